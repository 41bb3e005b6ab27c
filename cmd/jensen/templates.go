package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/jensen/jensen/conversation"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List the prompt templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range conversation.TemplateNames() {
			tmpl, err := conversation.TemplateByName(name)
			if err != nil {
				return err
			}
			marker := " "
			if name == cfg.Conversation.Template {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %-10s stop: %q\n", marker, name, tmpl.StopWords())
		}
		return nil
	},
}
