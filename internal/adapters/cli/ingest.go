package cli

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

func newIngestCommand(a *app) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest documents",
		Long: `Extract, chunk, embed and index one or more files.

Supported formats: PDF, DOCX, XLSX, HTML, plain text and markdown.
With --async the files are stored and queued for the worker instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range args {
				body, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				req := domain.IngestRequest{
					OwnerID:  a.owner,
					Filename: filepath.Base(path),
					MimeType: mime.TypeByExtension(filepath.Ext(path)),
					Body:     body,
				}

				if async {
					doc, err := svc.Ingestor.Upload(cmd.Context(), req)
					if err != nil {
						failed++
						cmd.PrintErrf("%s: %v\n", path, err)
						continue
					}
					cmd.Printf("queued %s as %s\n", req.Filename, doc.ID)
					continue
				}

				result, err := svc.Ingestor.Ingest(cmd.Context(), req)
				if err != nil {
					failed++
					cmd.PrintErrf("%s: %v\n", path, err)
					continue
				}
				cmd.Printf("ingested %s as %s (%d chunks)\n", req.Filename, result.Document.ID, result.ChunkCount)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "queue files for the worker instead of processing inline")
	return cmd
}
