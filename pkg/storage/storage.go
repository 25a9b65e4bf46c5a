// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the relational store shared by the agent and
// fleet daemons: proposals, the routing-decision audit trail, aggregated
// metrics, learned model scores, and validation check runs.
//
// SQLite is used with WAL journaling and a single pooled connection. The
// single connection serializes every read-modify-write, which is what the
// aggregated-metric incremental mean requires: the update for a given
// (model, complexity) key must never run under unserialized concurrent
// writers.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPersistence wraps backend failures so callers can distinguish
	// them from domain errors.
	ErrPersistence = errors.New("persistence error")
)

// DB wraps the sqlite handle and owns schema initialization.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema. ":memory:" is accepted for tests.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: storage path is required", ErrPersistence)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("%w: create storage directory: %v", ErrPersistence, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrPersistence, err)
	}

	// One connection: serializes aggregate read-modify-writes and keeps
	// ":memory:" databases coherent across the pool.
	db.SetMaxOpenConns(1)

	s := &DB{db: db}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPersistence, p, err)
		}
	}
	return nil
}

func (s *DB) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: apply schema: %v", ErrPersistence, err)
		}
	}
	return nil
}

// Handle exposes the raw *sql.DB for domain stores built on this database.
func (s *DB) Handle() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *DB) Close() error {
	return s.db.Close()
}
