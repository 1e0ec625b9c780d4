package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func newConversationsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage conversations",
	}

	var format string
	export := &cobra.Command{
		Use:   "export [conversation-id]",
		Short: "Print a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			text, err := svc.Conversations.Export(cmd.Context(), a.owner, args[0], format)
			if err != nil {
				return err
			}
			cmd.Print(text)
			return nil
		},
	}
	export.Flags().StringVarP(&format, "format", "f", "markdown", "markdown or text")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List conversations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				svc, err := a.services(cmd.Context())
				if err != nil {
					return err
				}
				convs, err := svc.Conversations.List(cmd.Context(), a.owner)
				if err != nil {
					return err
				}
				if len(convs) == 0 {
					cmd.Println("No conversations.")
					return nil
				}
				for _, c := range convs {
					cmd.Printf("%s  %s  %s\n", c.ID, c.UpdatedAt.Format("2006-01-02 15:04"), c.Title)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "create [title]",
			Short: "Start a conversation",
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := a.services(cmd.Context())
				if err != nil {
					return err
				}
				c, err := svc.Conversations.Create(cmd.Context(), a.owner, strings.Join(args, " "))
				if err != nil {
					return err
				}
				cmd.Println(c.ID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete [conversation-id]",
			Short: "Delete a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := a.services(cmd.Context())
				if err != nil {
					return err
				}
				if err := svc.Conversations.Delete(cmd.Context(), a.owner, args[0]); err != nil {
					return err
				}
				cmd.Printf("deleted %s\n", args[0])
				return nil
			},
		},
		export,
	)
	return cmd
}
