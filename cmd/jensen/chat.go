package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/jensen/jensen/assistant"
)

const localChat = "local"

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant from the terminal",
	Long: `Reads one message per line from stdin and prints the reply.
Commands: /clear, /help, /quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		a, err := assistant.NewFromConfig(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		return runChat(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// chatSession is the part of the assistant the REPL uses.
type chatSession interface {
	Exchange(ctx context.Context, chatKey, userText string, r assistant.Replier) (assistant.Result, error)
	Clear(ctx context.Context, chatKey string) error
}

func runChat(ctx context.Context, a chatSession, in io.Reader, out io.Writer) error {
	r := &terminalReplier{w: out}
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, cfg.Messages.Help)
		case "/clear":
			if err := a.Clear(ctx, localChat); err != nil {
				return err
			}
			fmt.Fprintln(out, cfg.Messages.Cleared)
		default:
			_, err := a.Exchange(ctx, localChat, line, r)
			var xe *assistant.ExchangeError
			switch {
			case err == nil, errors.As(err, &xe):
				// Exchange failures were already reported through r.
			case errors.Is(err, context.Canceled):
				return nil
			default:
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

type terminalReplier struct {
	w io.Writer
}

func (r *terminalReplier) Typing(context.Context) error { return nil }

func (r *terminalReplier) Notice(_ context.Context, text string) error {
	_, err := fmt.Fprintf(r.w, "[%s]\n", text)
	return err
}

func (r *terminalReplier) Segment(_ context.Context, text string) error {
	_, err := fmt.Fprintf(r.w, "%s\n\n", text)
	return err
}
