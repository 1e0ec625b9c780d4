package cli

import (
	"github.com/spf13/cobra"
)

func newDocsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Manage ingested documents",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List documents",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				svc, err := a.services(cmd.Context())
				if err != nil {
					return err
				}
				docs, err := svc.Catalog.List(cmd.Context(), a.owner)
				if err != nil {
					return err
				}
				if len(docs) == 0 {
					cmd.Println("No documents.")
					return nil
				}
				for _, d := range docs {
					cmd.Printf("%s  %-9s  %4d chunks  %s\n", d.ID, d.Status, d.ChunkCount, d.Filename)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "get [doc-id]",
			Short: "Show document info",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := a.services(cmd.Context())
				if err != nil {
					return err
				}
				d, err := svc.Catalog.Get(cmd.Context(), a.owner, args[0])
				if err != nil {
					return err
				}
				cmd.Printf("Document: %s\n\n", d.ID)
				cmd.Printf("  File:     %s\n", d.Filename)
				cmd.Printf("  Type:     %s\n", d.MimeType)
				cmd.Printf("  Status:   %s\n", d.Status)
				cmd.Printf("  Chunks:   %d\n", d.ChunkCount)
				cmd.Printf("  Created:  %s\n", d.CreatedAt.Format("2006-01-02 15:04:05"))
				if d.Error != "" {
					cmd.Printf("  Error:    %s\n", d.Error)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete [doc-id]",
			Short: "Delete a document and its index entries",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := a.services(cmd.Context())
				if err != nil {
					return err
				}
				if err := svc.Catalog.Delete(cmd.Context(), a.owner, args[0]); err != nil {
					return err
				}
				cmd.Printf("deleted %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete all documents and conversations of the owner",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				svc, err := a.services(cmd.Context())
				if err != nil {
					return err
				}
				if err := svc.Catalog.ClearOwner(cmd.Context(), a.owner); err != nil {
					return err
				}
				cmd.Printf("cleared all data of %s\n", a.owner)
				return nil
			},
		},
	)
	return cmd
}
