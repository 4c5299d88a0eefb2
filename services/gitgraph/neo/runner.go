// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package neo

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Statement is one parameterized Cypher statement.
type Statement struct {
	Query  string
	Params map[string]any
}

// Runner executes Cypher against the graph store.
//
// Write runs all statements in a single managed transaction, so a batch
// either lands completely or not at all; it returns the records produced
// by the final statement. Implementations route through the resilient
// client, so callers get retry and circuit-breaker behavior for free.
type Runner interface {
	Read(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	Write(ctx context.Context, statements ...Statement) ([]map[string]any, error)
}

// driverRunner is the production Runner backed by a ResilientClient.
type driverRunner struct {
	client *ResilientClient
}

// NewRunner creates a Runner that executes through the resilient client.
func NewRunner(client *ResilientClient) Runner {
	return &driverRunner{client: client}
}

func (r *driverRunner) Read(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	var records []map[string]any
	err := r.client.Execute(ctx, func(ctx context.Context) error {
		session := r.client.Driver().NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: r.client.Database(),
			AccessMode:   neo4j.AccessModeRead,
		})
		defer session.Close(ctx)

		out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			return collectRecords(ctx, tx, query, params)
		})
		if err != nil {
			return err
		}
		records = out.([]map[string]any)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *driverRunner) Write(ctx context.Context, statements ...Statement) ([]map[string]any, error) {
	var records []map[string]any
	err := r.client.Execute(ctx, func(ctx context.Context) error {
		session := r.client.Driver().NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: r.client.Database(),
			AccessMode:   neo4j.AccessModeWrite,
		})
		defer session.Close(ctx)

		out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			var last []map[string]any
			for _, stmt := range statements {
				recs, err := collectRecords(ctx, tx, stmt.Query, stmt.Params)
				if err != nil {
					return nil, err
				}
				last = recs
			}
			return last, nil
		})
		if err != nil {
			return err
		}
		records = out.([]map[string]any)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// collectRecords runs one statement and drains its result into plain maps.
func collectRecords(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) ([]map[string]any, error) {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	raw, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]map[string]any, len(raw))
	for i, rec := range raw {
		records[i] = rec.AsMap()
	}
	return records, nil
}
