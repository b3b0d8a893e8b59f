// Package control exposes the daemon's pool state and runtime
// configuration as MCP tools, for operator tooling and dashboards.
// Observability and reconfiguration only; never on the task hot path.
package control

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/calderhq/agentd/internal/config"
	"github.com/calderhq/agentd/internal/pool"
)

const (
	toolPoolStatus    = "pool_status"
	toolPoolConfigure = "pool_configure"
	toolPoolDrain     = "pool_drain"
)

// Config holds the control server identity
type Config struct {
	Name    string
	Version string
}

// Server wraps the mcp-go server around the pool
type Server struct {
	server *server.MCPServer
	pool   *pool.Pool
	logger *slog.Logger
}

// NewServer creates and configures the control server
func NewServer(cfg Config, p *pool.Pool, logger *slog.Logger) *Server {
	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		server: mcpServer,
		pool:   p,
		logger: logger,
	}
	s.registerTools()
	return s
}

// registerTools registers all control tools with handlers
func (s *Server) registerTools() {
	statusTool := mcp.NewTool(toolPoolStatus,
		mcp.WithDescription("Report the worker pool's registry, idle queue and backoff state"),
	)
	s.server.AddTool(statusTool, s.handlePoolStatus)

	configureTool := mcp.NewTool(toolPoolConfigure,
		mcp.WithDescription("Update pool sizing at runtime without dropping existing workers"),
		mcp.WithString("runtime",
			mcp.Required(),
			mcp.Description("Host platform variant this configuration applies to"),
		),
		mcp.WithNumber("min_idle",
			mcp.Required(),
			mcp.Description("Target number of pre-warmed idle workers"),
		),
		mcp.WithNumber("max_total",
			mcp.Required(),
			mcp.Description("Hard cap on concurrent worker processes (clamped to min_idle)"),
		),
		mcp.WithBoolean("enabled",
			mcp.Description("Disable to make callers launch the agent directly"),
		),
	)
	s.server.AddTool(configureTool, s.handlePoolConfigure)

	drainTool := mcp.NewTool(toolPoolDrain,
		mcp.WithDescription("Dispose the pool: kill every tracked worker and refuse further leases"),
	)
	s.server.AddTool(drainTool, s.handlePoolDrain)
}

// handlePoolStatus implements the pool_status tool
func (s *Server) handlePoolStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.pool.Stats()
	payload, err := json.Marshal(stats)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// handlePoolConfigure implements the pool_configure tool
func (s *Server) handlePoolConfigure(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runtime, err := request.RequireString("runtime")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	minIdle, err := request.RequireFloat("min_idle")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxTotal, err := request.RequireFloat("max_total")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	current := s.pool.Stats().Config
	next := config.PoolConfig{
		MinIdle:           int(minIdle),
		MaxTotal:          int(maxTotal),
		ColdStartFallback: current.ColdStartFallback,
		StartupTimeout:    current.StartupTimeout,
		Enabled:           request.GetBool("enabled", current.Enabled),
	}
	s.pool.UpdateConfig(runtime, next)

	s.logger.Info("Pool reconfigured via control tool",
		"runtime", runtime,
		"min_idle", next.MinIdle,
		"max_total", next.MaxTotal,
		"enabled", next.Enabled,
	)

	payload, err := json.Marshal(s.pool.Stats())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// handlePoolDrain implements the pool_drain tool
func (s *Server) handlePoolDrain(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.pool.Dispose()
	s.logger.Info("Pool drained via control tool")
	return mcp.NewToolResultText(`{"disposed":true}`), nil
}
