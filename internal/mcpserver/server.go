// Package mcpserver exposes the annotation broker to coding agents as MCP
// tools over stdio. The tools proxy the broker's HTTP API rather than
// touching the store directly, so both surfaces observe identical semantics.
package mcpserver

import (
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentation/agentation/internal/common/logger"
)

// Config holds the tool dispatcher configuration.
type Config struct {
	// BaseURL is the broker HTTP API the tools call, e.g. http://127.0.0.1:4747.
	BaseURL string
	// APIKey, when set, is sent as a bearer token on every proxied request.
	APIKey string
}

// Server wraps the MCP server with the broker tool set registered.
type Server struct {
	cfg    Config
	mcp    *server.MCPServer
	logger *logger.Logger
}

// New creates the tool dispatcher. It does not start serving.
func New(cfg Config, log *logger.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "mcpserver")),
	}
	s.mcp = server.NewMCPServer(
		"agentation",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(s.mcp, cfg, s.logger)
	return s
}

// ServeStdio runs the line-framed JSON-RPC loop on stdin/stdout until EOF.
// Nothing else may write to stdout while this runs; all logging goes to
// stderr.
func (s *Server) ServeStdio() error {
	s.logger.Info("MCP stdio transport starting", zap.String("base_url", s.cfg.BaseURL))
	if err := server.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}

// MCPServer exposes the underlying server for in-process tests.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}
