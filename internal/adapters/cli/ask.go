package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

func newAskCommand(a *app) *cobra.Command {
	var conversationID string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question",
		Long:  `Answer a question from your documents. Pass --conversation to continue a conversation.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			result, err := svc.Query.Answer(cmd.Context(), domain.Query{
				OwnerID:        a.owner,
				Question:       strings.Join(args, " "),
				ConversationID: conversationID,
			})
			if err != nil {
				return err
			}
			printAnswer(cmd, result, verbose)
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation id to continue")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print retrieval diagnostics")
	return cmd
}

func printAnswer(cmd *cobra.Command, result *domain.AnswerResult, verbose bool) {
	cmd.Println(result.Answer)
	if len(result.Citations) > 0 {
		cmd.Println()
		cmd.Println("Sources:")
		for _, c := range result.Citations {
			if c.Page > 0 {
				cmd.Printf("  [%d] %s, page %d\n", c.Number, c.Filename, c.Page)
				continue
			}
			cmd.Printf("  [%d] %s\n", c.Number, c.Filename)
		}
	}
	if result.Degraded {
		cmd.PrintErrf("warning: degraded answer (%s)\n", strings.Join(result.DegradedReasons, ", "))
	}
	if result.PersistenceWarning != "" {
		cmd.PrintErrf("warning: %s\n", result.PersistenceWarning)
	}
	if verbose {
		cmd.Println()
		if result.SearchQuery != "" {
			cmd.Printf("search query: %s\n", result.SearchQuery)
		}
		cmd.Printf("retries: %d\n", result.RetryCount)
		for _, state := range result.States {
			cmd.Printf("  %s\n", state)
		}
	}
}
