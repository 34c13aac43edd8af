// Package mcpserver exposes the probe runner to agents as MCP tools, over
// stdio or Streamable HTTP.
package mcpserver

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/rcprobe/internal/obs"
)

// Version is reported in the MCP implementation info.
const Version = "1.0.0"

// Server wraps the MCP server with the probe handler.
type Server struct {
	mcpServer   *mcp.Server
	handler     *Handler
	httpHandler http.Handler
}

// NewServer registers every probe tool on a fresh MCP server.
func NewServer(handler *Handler) *Server {
	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "rcprobe",
			Version: Version,
		},
		nil,
	)
	for _, tool := range ToolDefinitions() {
		mcp.AddTool(mcpServer, tool, handler.createToolHandler(tool.Name))
	}

	httpHandler := mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server { return mcpServer },
		&mcp.StreamableHTTPOptions{
			// Plain JSON responses; no SSE stream is needed for these tools.
			JSONResponse: true,
			Stateless:    true,
		},
	)
	return &Server{mcpServer: mcpServer, handler: handler, httpHandler: httpHandler}
}

// RunStdio serves a single client on stdin/stdout until ctx is cancelled or
// the client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	obs.From(ctx).Info("mcp_stdio_started", "pkg", "mcpserver")
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// Connect attaches the server to an arbitrary transport, e.g. an in-memory
// pair in tests.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// ServeHTTP implements the Streamable HTTP transport. Panics in tool code
// become a 500 instead of killing the process.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := obs.From(r.Context()).With("pkg", "mcpserver")
	rec := obs.NewResponseRecorder(w)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("mcp_panic", "method", r.Method, "path", r.URL.Path, "panic", p)
			if !rec.Written() {
				http.Error(rec, "Internal server error", http.StatusInternalServerError)
			}
			return
		}
		if !rec.Written() {
			logger.Error("mcp_no_response", "method", r.Method, "path", r.URL.Path)
			http.Error(rec, "MCP handler returned without writing response", http.StatusInternalServerError)
			return
		}
		if rec.StatusCode() >= http.StatusBadRequest {
			logger.Warn("mcp_request_failed", "method", r.Method, "path", r.URL.Path, "status", rec.StatusCode())
		}
	}()
	s.httpHandler.ServeHTTP(rec, r)
}
