// Package conversation owns the rolling dialogue context of a chat: the turn
// history, prompt rendering for the configured model format, overflow
// eviction and reply cleanup.
package conversation

// Role identifies the author of a Turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message. Turns are values; nothing hands out
// pointers into a Conversation's history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
