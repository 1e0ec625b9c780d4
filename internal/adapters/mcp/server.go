// Package mcpadapter exposes question answering and the document catalog as
// Model Context Protocol tools for local agents.
package mcpadapter

import (
	"context"
	"errors"
	"io"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/ragcore/internal/core/ports"
)

const Version = "1.0.0"

var ErrMissingQueryService = errors.New("mcp: query service is required")

type Server struct {
	query   ports.QueryService
	catalog ports.DocumentCatalog
	ownerID string
	server  *server.MCPServer
}

// NewServer registers the tools. All calls act on behalf of ownerID, since a
// stdio session belongs to a single local user.
func NewServer(query ports.QueryService, catalog ports.DocumentCatalog, ownerID string) (*Server, error) {
	if query == nil {
		return nil, ErrMissingQueryService
	}
	if ownerID == "" {
		return nil, errors.New("mcp: owner id is required")
	}
	s := &Server{
		query:   query,
		catalog: catalog,
		ownerID: ownerID,
		server:  server.NewMCPServer("ragcore", Version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s, nil
}

// Run serves JSON-RPC over the given streams until ctx is cancelled or the
// input is closed.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.server).Listen(ctx, in, out)
}
