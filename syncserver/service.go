// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncserver is the remote side of the offsync engine: a PostgreSQL
// backed store with per-record optimistic concurrency. Each record carries a
// server_version; an apply whose base version is stale is answered with a
// conflict and the current server row, never overwritten.
package syncserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName          string   // application name for logging and status
	RegisteredTables []string // table names allowed in apply requests (required)
	MaxPayloadBytes  int      // maximum JSON payload size per operation (0 = unlimited)
}

// Service provides the server-side apply/fetch functionality over a pgx
// connection pool.
type Service struct {
	pool             *pgxpool.Pool
	logger           *slog.Logger
	config           *ServiceConfig
	registeredTables map[string]bool
}

// NewService creates a sync service from an existing pool and initializes
// the durable schema.
func NewService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil || len(config.RegisteredTables) == 0 {
		return nil, fmt.Errorf("config with at least one registered table is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	registered := make(map[string]bool, len(config.RegisteredTables))
	for _, t := range config.RegisteredTables {
		registered[t] = true
	}

	svc := &Service{
		pool:             pool,
		logger:           logger,
		config:           config,
		registeredTables: registered,
	}

	if err := svc.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize server schema: %w", err)
	}
	return svc, nil
}

// RegisteredTables returns the table allowlist, for the status endpoint.
func (s *Service) RegisteredTables() []string {
	tables := make([]string, 0, len(s.registeredTables))
	for t := range s.registeredTables {
		tables = append(tables, t)
	}
	return tables
}

// Healthy reports whether the backing store answers.
func (s *Service) Healthy(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
