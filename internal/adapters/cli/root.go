// Package cli implements the ragctl operator commands.
package cli

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/kirillkom/ragcore/internal/core/ports"
)

const defaultOwner = "local"

// Services are the inbound ports the commands drive.
type Services struct {
	Ingestor      ports.DocumentIngestor
	Catalog       ports.DocumentCatalog
	Query         ports.QueryService
	Conversations ports.ConversationService
}

// Opener builds the services on first use and returns a release func.
type Opener func(ctx context.Context) (*Services, func(), error)

type app struct {
	open    Opener
	owner   string
	svc     *Services
	release func()
}

// Execute runs ragctl with args and releases the services afterwards.
func Execute(ctx context.Context, open Opener, args []string) error {
	a := &app{open: open}
	defer a.close()

	root := newRootCommand(a)
	root.SetOut(os.Stdout)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "ragctl",
		Short:         "Ask questions about your documents",
		Long:          `ragctl ingests documents into the local knowledge base and answers questions from them with numbered citations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	owner := os.Getenv("RAGCTL_OWNER")
	if owner == "" {
		owner = defaultOwner
	}
	root.PersistentFlags().StringVar(&a.owner, "owner", owner, "owner id the command acts for")

	root.AddCommand(
		newIngestCommand(a),
		newAskCommand(a),
		newDocsCommand(a),
		newConversationsCommand(a),
		newMCPCommand(a),
	)
	return root
}

func (a *app) services(ctx context.Context) (*Services, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	if a.open == nil {
		return nil, errors.New("services are not configured")
	}
	svc, release, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	a.svc = svc
	a.release = release
	return svc, nil
}

func (a *app) close() {
	if a.release != nil {
		a.release()
		a.release = nil
	}
	a.svc = nil
}
