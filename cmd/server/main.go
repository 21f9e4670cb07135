package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anr-mcp/internal/analyzer"
	"anr-mcp/internal/config"
	"anr-mcp/internal/logging"
	"anr-mcp/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("ANR_MCP_CONFIG"))
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	// stdout carries the MCP protocol
	logger := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		JSON:    cfg.Log.JSON,
		Service: "anr-mcp",
	})

	agg := analyzer.NewAggregator()

	var st *store.Store
	if cfg.Store.Dir != "" {
		st, err = store.Open(store.Config{Path: cfg.Store.Dir, Logger: logger})
		if err != nil {
			log.Fatalf("Store error: %v", err)
		}
		defer st.Close()

		groups, err := st.LoadGroups(context.Background())
		if err != nil {
			log.Fatalf("Store error: %v", err)
		}
		agg.Restore(groups)
		logger.Info("restored incident groups", "groups", len(groups), "dir", cfg.Store.Dir)
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint stopped", "error", err)
			}
		}()
	}

	resolver := analyzer.NewResolver(cfg.ResolverOptions(logger))
	tools := newToolServer(resolver, agg, st, cfg.Output.Dir, logger)

	// Create MCP server
	s := server.NewMCPServer(
		"anr-analyzer",
		"1.0.0",
		server.WithLogging(),
	)
	tools.register(s)

	// Start the server
	if err := server.ServeStdio(s); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
