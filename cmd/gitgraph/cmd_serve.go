// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/gitgraph/pkg/logging"
	"github.com/AleutianAI/gitgraph/services/gitgraph"
	"github.com/AleutianAI/gitgraph/services/gitgraph/neo"
	"github.com/AleutianAI/gitgraph/services/gitgraph/query"
	"github.com/AleutianAI/gitgraph/services/gitgraph/telemetry"
)

var (
	servePort  int
	serveDebug bool
)

// serveCmd starts the HTTP API server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gitgraph HTTP API server",
	Long: `Start the HTTP API server.

The server connects to Neo4j at startup, ensures the graph schema
exists, and exposes ingest and query endpoints under /v1/graph.

Configuration is read from defaults, then the --config YAML file,
then environment variables (NEO4J_URI, NEO4J_USER, NEO4J_PASSWORD,
GITGRAPH_PORT, ...).

Examples:
  gitgraph serve
  gitgraph serve --port 9090 --debug
  NEO4J_URI=bolt://graph:7687 gitgraph serve --config gitgraph.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging and gin debug mode")
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := gitgraph.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if servePort != 0 {
		config.Port = servePort
	}

	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	log := logging.New(logging.Config{
		Service: "gitgraph",
		Level:   level,
		JSON:    !serveDebug,
	})
	defer log.Close()
	logger := log.Slog()

	ctx := context.Background()

	// Telemetry: traces and metrics per OTEL_* environment variables.
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(otel.Meter("gitgraph"))
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	clientConfig := neo.DefaultClientConfig()
	clientConfig.URI = config.Neo4jURI
	clientConfig.Username = config.Neo4jUser
	clientConfig.Password = config.Neo4jPassword
	clientConfig.Database = config.Neo4jDatabase
	clientConfig.AllowStartDegraded = config.AllowStartDegraded
	clientConfig.Logger = logger

	client, err := neo.NewResilientClient(clientConfig)
	if err != nil {
		return fmt.Errorf("connect to neo4j: %w", err)
	}

	ingestDegradation := neo.NewIngestDegradation(logger)
	queryDegradation := neo.NewQueryDegradation(logger)
	client.RegisterHandler(ingestDegradation)
	client.RegisterHandler(queryDegradation)

	if _, err := metrics.RegisterStoreCircuitState(otel.Meter("gitgraph"), func() int64 {
		return int64(client.GetState())
	}); err != nil {
		client.Close()
		return fmt.Errorf("register circuit gauge: %w", err)
	}

	runner := neo.NewInstrumentedRunner(neo.NewRunner(client), metrics)
	writer := neo.NewWriter(runner, logger)

	if err := neo.EnsureSchema(ctx, runner, logger); err != nil {
		if !config.AllowStartDegraded {
			client.Close()
			return fmt.Errorf("ensure schema: %w", err)
		}
		logger.Warn("Schema setup deferred, store unavailable",
			"error", err.Error())
	}

	factory := gitgraph.NewRepositoryIngestorFactory(writer, config, logger, metrics)
	svc := gitgraph.NewService(config, factory, writer, logger,
		gitgraph.WithStoreState(client.GetState),
		gitgraph.WithDegradation(ingestDegradation),
		gitgraph.WithMetrics(metrics),
	)
	engine := query.NewEngine(runner, logger, query.WithMetrics(metrics))
	handlers := gitgraph.NewHandlers(svc, engine)

	if serveDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if serveDebug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	gitgraph.RegisterRoutes(v1, handlers)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: telemetry.CombinedMiddleware("gitgraph.http", metrics)(router),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting gitgraph server",
			"address", srv.Addr,
			"neo4j_uri", config.Neo4jURI,
			"store_state", client.GetState().String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case sig := <-quit:
		logger.Info("Shutting down gitgraph server", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server failed", "error", err.Error())
		client.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err.Error())
	}
	if err := svc.Close(); err != nil {
		logger.Error("Service shutdown failed", "error", err.Error())
	}
	if err := client.Close(); err != nil {
		logger.Error("Store shutdown failed", "error", err.Error())
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown failed", "error", err.Error())
	}
	return nil
}
