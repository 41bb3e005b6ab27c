package conversation

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
	"unicode/utf8"
)

// PromptKind tells an engine which representation a Prompt carries.
type PromptKind int

const (
	// PromptText is a single flat string for completion-style engines.
	PromptText PromptKind = iota
	// PromptMessages is a role-tagged turn list for chat-style engines.
	PromptMessages
)

func (k PromptKind) String() string {
	if k == PromptMessages {
		return "messages"
	}
	return "text"
}

// Prompt is the rendered input for one engine call.
type Prompt struct {
	Kind     PromptKind
	Text     string
	Messages []Turn
}

// Size is the prompt length in code points, summed over messages for
// structured prompts.
func (p Prompt) Size() int {
	if p.Kind == PromptText {
		return utf8.RuneCountInString(p.Text)
	}
	n := 0
	for _, m := range p.Messages {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

// Template renders a history plus a new user message into a Prompt. The set
// of templates is closed; use TemplateByName to pick one.
type Template interface {
	Name() string
	Render(history []Turn, userText string) Prompt
	// StopWords are the markers that end an assistant turn in this format.
	StopWords() []string
	sealed()
}

// Chat templates for the supported model families.

const VicunaTemplate = `{{if .System}}{{.System}}

{{end}}{{range .Messages}}{{if eq .Role "user"}}USER: {{.Content}}
{{else}}ASSISTANT: {{.Content}}</s>
{{end}}{{end}}USER: {{.User}}
ASSISTANT:`

const AlpacaTemplate = `{{if .System}}{{.System}}

{{end}}{{range .Messages}}{{if eq .Role "user"}}### Instruction:
{{.Content}}

{{else}}### Response:
{{.Content}}

{{end}}{{end}}### Instruction:
{{.User}}

### Response:
`

// NousTemplate is ChatML as used by the Nous Hermes models.
const NousTemplate = `{{if .System}}<|im_start|>system
{{.System}}<|im_end|>
{{end}}{{range .Messages}}<|im_start|>{{.Role}}
{{.Content}}<|im_end|>
{{end}}<|im_start|>user
{{.User}}<|im_end|>
<|im_start|>assistant
`

const OpenChatTemplate = `{{if .System}}{{.System}}<|end_of_turn|>{{end}}{{range .Messages}}{{if eq .Role "user"}}GPT4 Correct User: {{.Content}}<|end_of_turn|>{{else}}GPT4 Correct Assistant: {{.Content}}<|end_of_turn|>{{end}}{{end}}GPT4 Correct User: {{.User}}<|end_of_turn|>GPT4 Correct Assistant:`

// MistralTemplate folds the system instruction into the first [INST] block;
// the format has no system role.
const MistralTemplate = `<s>{{range $i, $m := .Messages}}{{if eq $m.Role "user"}}[INST] {{if and (eq $i 0) $.System}}{{$.System}}

{{end}}{{$m.Content}} [/INST]{{else}} {{$m.Content}}</s>{{end}}{{end}}[INST] {{if and (not .Messages) .System}}{{.System}}

{{end}}{{.User}} [/INST]`

const DeepSeekTemplate = `{{if .System}}{{.System}}

{{end}}{{range .Messages}}{{if eq .Role "user"}}User: {{.Content}}

{{else}}Assistant: {{.Content}}<｜end▁of▁sentence｜>{{end}}{{end}}User: {{.User}}

Assistant:`

// ChatTemplateName is the structured variant: turns are passed verbatim.
const ChatTemplateName = "chat"

type templateData struct {
	System   string
	Messages []Turn
	User     string
}

type textTemplate struct {
	name  string
	tmpl  *template.Template
	stops []string
}

func (t *textTemplate) Name() string        { return t.name }
func (t *textTemplate) StopWords() []string { return append([]string(nil), t.stops...) }
func (t *textTemplate) sealed()             {}

func (t *textTemplate) Render(history []Turn, userText string) Prompt {
	data := newTemplateData(history, userText)

	var b strings.Builder
	if err := t.tmpl.Execute(&b, data); err != nil {
		return Prompt{Kind: PromptText, Text: plainRender(data)}
	}
	return Prompt{Kind: PromptText, Text: b.String()}
}

type messageTemplate struct{}

func (messageTemplate) Name() string        { return ChatTemplateName }
func (messageTemplate) StopWords() []string { return nil }
func (messageTemplate) sealed()             {}

func (messageTemplate) Render(history []Turn, userText string) Prompt {
	msgs := make([]Turn, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, Turn{Role: RoleUser, Content: userText})
	return Prompt{Kind: PromptMessages, Messages: msgs}
}

func newTemplateData(history []Turn, userText string) templateData {
	data := templateData{User: userText}
	for _, turn := range history {
		if turn.Role == RoleSystem {
			data.System = turn.Content
			continue
		}
		data.Messages = append(data.Messages, turn)
	}
	return data
}

// plainRender is the last-resort rendering if a template fails to execute.
func plainRender(data templateData) string {
	var b strings.Builder
	if data.System != "" {
		b.WriteString(data.System + "\n\n")
	}
	for _, m := range data.Messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "%s: %s\n%s:", RoleUser, data.User, RoleAssistant)
	return b.String()
}

var templates = map[string]Template{
	"vicuna":         mustText("vicuna", VicunaTemplate, "</s>", "USER:"),
	"alpaca":         mustText("alpaca", AlpacaTemplate, "### Instruction:"),
	"nous":           mustText("nous", NousTemplate, "<|im_end|>", "<|im_start|>"),
	"openchat":       mustText("openchat", OpenChatTemplate, "<|end_of_turn|>"),
	"mistral":        mustText("mistral", MistralTemplate, "</s>", "[INST]"),
	"deepseek":       mustText("deepseek", DeepSeekTemplate, "<｜end▁of▁sentence｜>", "User:"),
	ChatTemplateName: messageTemplate{},
}

func mustText(name, text string, stops ...string) Template {
	return &textTemplate{
		name:  name,
		tmpl:  template.Must(template.New(name).Parse(text)),
		stops: stops,
	}
}

// TemplateByName returns the named template. An empty name selects the
// default (vicuna).
func TemplateByName(name string) (Template, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || key == "default" {
		key = "vicuna"
	}
	t, ok := templates[key]
	if !ok {
		return nil, fmt.Errorf("unknown prompt template %q (known: %s)", name, strings.Join(TemplateNames(), ", "))
	}
	return t, nil
}

// DefaultTemplate returns the vicuna template.
func DefaultTemplate() Template { return templates["vicuna"] }

// TemplateNames lists the known template names in sorted order.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
