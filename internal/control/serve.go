package control

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

// This file contains server startup methods that are untestable in unit
// tests as they start blocking servers.

// Serve starts the control server with stdio transport
func (s *Server) Serve() error {
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the control server with HTTP/SSE transport on the
// specified address.
func (s *Server) ServeHTTP(addr string) error {
	sseServer := server.NewSSEServer(s.server,
		server.WithBaseURL("http://"+addr),
		server.WithStaticBasePath("/control"),
	)
	return sseServer.Start(addr)
}

// ServeHTTPWithLogger starts the HTTP/SSE transport and logs the address
func (s *Server) ServeHTTPWithLogger(addr string, logger *slog.Logger) error {
	logger.Info("Starting control server with HTTP/SSE transport", "address", addr, "base_path", "/control")
	return s.ServeHTTP(addr)
}
