package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ZanzyTHEbar/jensen/jensen/config"
)

var (
	configPath string

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "jensen",
	Short: "Jensen - a chat bot bridging Telegram and HTTP to a language model",
	Long: `Jensen keeps a rolling conversation per chat, formats it for the
configured model, recovers when the prompt outgrows the context window and
sends replies back in message-sized pieces.

Configuration is read from config.yaml, JENSEN_* environment variables and
the legacy MODEL_PATH, N_CTX, API_KEY ... variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		if path := viper.ConfigFileUsed(); path != "" {
			logger.Debug().Str("path", path).Msg("loaded config file")
			watchConfig()
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("template", "", "prompt template name")
	flags.String("provider", "", "engine provider (llama or openai)")
	flags.Bool("stream", false, "send reply segments while the engine generates")

	for key, flag := range map[string]string{
		"log.level":             "log-level",
		"conversation.template": "template",
		"engine.provider":       "provider",
		"chunker.stream":        "stream",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(serveCmd, chatCmd, templatesCmd)
}

func newLogger(lc config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log.level: %w", err)
	}
	if strings.EqualFold(lc.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zerolog.SetGlobalLevel(level)
	return zerolog.New(w).With().Timestamp().Logger(), nil
}

// watchConfig re-applies the log level when the config file changes. Other
// settings take effect on restart.
func watchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		next, err := config.Decode(viper.GetViper())
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("ignoring invalid config change")
			return
		}
		level, err := zerolog.ParseLevel(strings.ToLower(next.Log.Level))
		if err != nil {
			logger.Warn().Err(err).Msg("ignoring invalid log level")
			return
		}
		zerolog.SetGlobalLevel(level)
		logger.Info().Str("file", e.Name).Str("level", level.String()).Msg("config changed")
	})
	viper.WatchConfig()
}
