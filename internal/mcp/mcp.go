// Package mcp exposes the learning engine as Model Context Protocol tools so
// MCP-compatible agents can record insights about a client and fold them
// into its knowledge base.
package mcp

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/manabi/internal/audit"
	"github.com/ashita-ai/manabi/internal/service/learning"
)

// Engine is the subset of learning.Service the tools call.
type Engine interface {
	CreateLearningEvents(ctx context.Context, in learning.CreateInput) (learning.CreateResult, error)
	ApplyLearningEvents(ctx context.Context, in learning.ApplyInput) (learning.ApplyResult, error)
	Ingest(ctx context.Context, in learning.IngestInput) (learning.CreateResult, error)
	Reconstruct(ctx context.Context, kbID uuid.UUID) (audit.Result, error)
	Status(ctx context.Context, kbID uuid.UUID) (learning.Status, error)
}

// applyNudgeWindow is how long an apply run counts as recent for the
// pending-events reminder on manabi_create_events.
const applyNudgeWindow = 30 * time.Minute

// Server wraps the MCP server with the learning engine.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	engine       Engine
	logger       *slog.Logger
	applyTracker *applyTracker
}

// New creates and configures an MCP server with all tools and resources.
func New(engine Engine, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:       engine,
		logger:       logger,
		applyTracker: newApplyTracker(applyNudgeWindow),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"manabi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP over the given reader and writer until ctx is done
// or the input is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

const serverInstructions = `Manabi keeps a per-client knowledge base up to date from insights.

Record what you learn about a client with manabi_create_events: one short
insight per fact, a category, a confidence from 1 to 100 and, where it
applies, structured metadata such as {"bottleneck": "..."} or
{"tools": ["Slack"]}. Near-duplicates are filtered automatically.

New events stay pending until manabi_apply_events folds them into the
knowledge base. Only events at or above the confidence threshold are applied;
conflicting values are resolved by confidence and recorded in field history.

Use manabi_status to see pending and applied counts and
manabi_reconstruct to rebuild the knowledge base from applied events.`
