// Package jensen holds process-wide defaults shared by the jensen packages.
package jensen

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName = "jensen"

	DefaultSystemPrompt = "You are an intelligent assistant providing helpful information."
	DefaultTemplate     = "vicuna"

	// Telegram rejects messages longer than 4096 characters.
	TelegramMessageLimit = 4096
	DefaultChunkLength   = 4000
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDataDir     = filepath.Join(userDataDir(), DefaultAppName)
	DefaultJournalPath = filepath.Join(DefaultDataDir, "journal.db")
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
