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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/gitgraph/pkg/logging"
	"github.com/AleutianAI/gitgraph/services/gitgraph"
	"github.com/AleutianAI/gitgraph/services/gitgraph/neo"
)

var ingestRefs []string

// ingestCmd runs a one-shot ingest without starting the server.
var ingestCmd = &cobra.Command{
	Use:   "ingest REPO_PATH",
	Short: "Ingest a repository into the graph and print the run report",
	Long: `Walk a repository's refs, materialize its objects into Neo4j,
and print the run report as JSON to stdout.

With no --ref flags, all refs under refs/ plus HEAD are synced.

Examples:
  gitgraph ingest /path/to/repo
  gitgraph ingest /path/to/repo --ref refs/heads/main --ref refs/tags/v1.0.0
  NEO4J_URI=bolt://graph:7687 gitgraph ingest /path/to/repo`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringArrayVar(&ingestRefs, "ref", nil,
		"Ref to sync (repeatable; default all refs)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	repoPath := args[0]

	config, err := gitgraph.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logs go to stderr so stdout stays clean JSON.
	log := logging.New(logging.Config{
		Service: "ingest",
		Level:   logging.LevelWarn,
	})
	defer log.Close()
	logger := log.Slog()

	ctx := context.Background()

	clientConfig := neo.DefaultClientConfig()
	clientConfig.URI = config.Neo4jURI
	clientConfig.Username = config.Neo4jUser
	clientConfig.Password = config.Neo4jPassword
	clientConfig.Database = config.Neo4jDatabase
	clientConfig.Logger = logger

	client, err := neo.NewResilientClient(clientConfig)
	if err != nil {
		return fmt.Errorf("connect to neo4j: %w", err)
	}
	defer client.Close()

	runner := neo.NewRunner(client)
	writer := neo.NewWriter(runner, logger)

	if err := neo.EnsureSchema(ctx, runner, logger); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	factory := gitgraph.NewRepositoryIngestorFactory(writer, config, logger, nil)
	ingestor, err := factory(repoPath)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	report, err := ingestor.Run(ctx, ingestRefs)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", repoPath, err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
