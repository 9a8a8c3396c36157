// Command eventstore-mcp is an MCP server exposing event lookup,
// recommendations, admin import and index status over stdio.
//
// Usage:
//
//	eventstore-mcp [--config path]
//
// Configuration is the same file and EVENTSTORE_ environment the eventstore
// command reads. Logs go to stderr to keep stdout clean for JSON-RPC.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hemant07j07/eventstore/internal/app"
	"github.com/hemant07j07/eventstore/internal/config"
	"github.com/hemant07j07/eventstore/internal/logging"
	"github.com/hemant07j07/eventstore/mcpserver"
)

func main() {
	configPath := flag.String("config", "", "config file (default $"+config.PathEnvVar+" or ./eventstore.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error().Err(err).Msg("loading config")
		os.Exit(1)
	}
	cfg.Log.Output = os.Stderr
	logging.Init(cfg.Log)
	logger := logging.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("opening store")
		os.Exit(1)
	}
	defer a.Close()
	if err := a.WithIndex(ctx); err != nil {
		logger.Error().Err(err).Msg("opening index")
		os.Exit(1)
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "eventstore",
		Version: "0.1.0",
	}, nil)
	mcpserver.NewEventServer(a.Store, a.Index, a.Resolver).Register(server)

	logging.Info().Str("store", cfg.Store.Driver).Str("embed", cfg.Embed.Provider).Msg("eventstore-mcp starting")

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("server error")
		a.Close()
		os.Exit(1)
	}
}
