package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/calderhq/agentd/internal/config"
	"github.com/calderhq/agentd/internal/control"
	"github.com/calderhq/agentd/internal/pool"
)

const defaultControlPort = "8091"

var (
	version  = flag.Bool("version", false, "Print version and exit")
	debug    = flag.Bool("debug", false, "Enable debug logging")
	httpMode = flag.Bool("http", false, "Serve the control surface over HTTP/SSE instead of stdio")
	cfgPath  = flag.String("config", "", "Explicit config file path (default: agentd.yaml search path)")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println("agentd v0.1.0")
		os.Exit(0)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	controlPort := os.Getenv("CONTROL_PORT")
	if controlPort == "" {
		controlPort = defaultControlPort
	}

	logger.Info("Starting agentd",
		"version", "0.1.0",
		"debug", *debug,
		"runtime", runtime.GOOS,
		"min_idle", cfg.Pool.MinIdle,
		"max_total", cfg.Pool.MaxTotal,
		"agent_command", cfg.Agent.Command,
	)

	p := pool.New(pool.Options{
		Config:  cfg.Pool,
		Runtime: runtime.GOOS,
		Command: commandResolver(cfg.Agent),
		Environ: environBuilder(cfg.Agent),
		Logger:  logger,
	})

	controlServer := control.NewServer(control.Config{
		Name:    "agentd-control",
		Version: "0.1.0",
	}, p, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		if *httpMode {
			serveErr <- controlServer.ServeHTTPWithLogger(":"+controlPort, logger)
		} else {
			logger.Info("Starting control server with stdio transport")
			serveErr <- controlServer.Serve()
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("Control server failed", "error", err)
		}
	}

	p.Dispose()
	logger.Info("Shutdown complete")
}

func loadConfig() (*config.Config, error) {
	if *cfgPath != "" {
		return config.LoadFile(*cfgPath)
	}
	return config.Load()
}

// commandResolver appends the allocated port to the configured agent
// server arguments.
func commandResolver(agent config.AgentConfig) pool.CommandResolver {
	return func(port int) (string, []string) {
		args := make([]string, 0, len(agent.Args)+1)
		args = append(args, agent.Args...)
		args = append(args, strconv.Itoa(port))
		return agent.Command, args
	}
}

// environBuilder layers the configured agent environment over the
// daemon's own.
func environBuilder(agent config.AgentConfig) pool.EnvBuilder {
	return func(ctx context.Context) ([]string, error) {
		env := os.Environ()
		for key, value := range agent.Env {
			env = append(env, key+"="+value)
		}
		return env, nil
	}
}
