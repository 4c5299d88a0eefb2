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
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd is the parent command for the gitgraph binary.
var rootCmd = &cobra.Command{
	Use:   "gitgraph",
	Short: "Expose git history as a queryable Neo4j property graph",
	Long: `gitgraph ingests git repositories into Neo4j and serves history
queries over HTTP.

Subcommands:
  serve   - Start the HTTP API server
  ingest  - Run a one-shot ingest of a repository and print the report

Examples:
  gitgraph serve --port 8080
  gitgraph ingest /path/to/repo --ref refs/heads/main`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a YAML config file (env vars override file values)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
}
