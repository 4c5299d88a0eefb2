// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gitgraph

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the GitGraph service configuration.
//
// Values resolve lowest-priority first: built-in defaults, then the
// optional YAML file, then environment variables.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// Neo4jURI is the bolt URI of the graph store.
	Neo4jURI string `yaml:"neo4j_uri" validate:"required"`

	// Neo4jUser and Neo4jPassword authenticate against the store.
	Neo4jUser     string `yaml:"neo4j_user"`
	Neo4jPassword string `yaml:"neo4j_password"`

	// Neo4jDatabase selects the database; empty uses the default.
	Neo4jDatabase string `yaml:"neo4j_database"`

	// BatchSize is the number of objects flushed per write
	// transaction during ingestion.
	BatchSize int `yaml:"batch_size" validate:"min=1"`

	// ObjectTimeout bounds a single object decode.
	ObjectTimeout time.Duration `yaml:"object_timeout" validate:"min=1ms"`

	// MaxRefConcurrency bounds per-ref traversal fan-out.
	MaxRefConcurrency int `yaml:"max_ref_concurrency" validate:"min=1"`

	// WatchDebounce coalesces bursts of ref updates before a watched
	// repository is re-ingested.
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"min=1ms"`

	// AllowStartDegraded lets the service come up while the store is
	// unreachable instead of failing startup.
	AllowStartDegraded bool `yaml:"allow_start_degraded"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Port:               8080,
		Neo4jURI:           "bolt://localhost:7687",
		Neo4jUser:          "neo4j",
		Neo4jDatabase:      "",
		BatchSize:          200,
		ObjectTimeout:      5 * time.Second,
		MaxRefConcurrency:  4,
		WatchDebounce:      2 * time.Second,
		AllowStartDegraded: false,
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML
// file and the environment.
//
// # Inputs
//
//   - path: YAML config file. Empty skips the file layer.
//
// # Outputs
//
//   - Config: The validated configuration.
//   - error: Non-nil on unreadable file, malformed YAML or failed
//     validation.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration. The
// NEO4J_* names match what the store's own tooling reads.
func (c *Config) applyEnv() {
	if v := os.Getenv("GITGRAPH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("NEO4J_URI"); v != "" {
		c.Neo4jURI = v
	}
	if v := os.Getenv("NEO4J_USER"); v != "" {
		c.Neo4jUser = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		c.Neo4jPassword = v
	}
	if v := os.Getenv("NEO4J_DATABASE"); v != "" {
		c.Neo4jDatabase = v
	}
	if v := os.Getenv("GITGRAPH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BatchSize = n
		}
	}
	if v := os.Getenv("GITGRAPH_OBJECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ObjectTimeout = d
		}
	}
	if v := os.Getenv("GITGRAPH_MAX_REF_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRefConcurrency = n
		}
	}
	if v := os.Getenv("GITGRAPH_WATCH_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WatchDebounce = d
		}
	}
	if v := os.Getenv("GITGRAPH_ALLOW_START_DEGRADED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AllowStartDegraded = b
		}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
