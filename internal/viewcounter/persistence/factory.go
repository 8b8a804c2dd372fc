// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persistence connects the view counter to PostgreSQL (authoritative
// counts, bulk increments, schema migrations) and Redis (client setup).
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"viewcounter/internal/config"
)

// Backends holds the live connections the service runs on.
type Backends struct {
	Redis    *redis.Client
	DB       *sql.DB
	Articles *PostgresStore

	kvTimeout time.Duration
}

// Open connects to Redis and PostgreSQL, optionally migrates the schema, and
// verifies both answer. On error everything opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backends, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Database.Migrate {
		if err := migrateUp(cfg.Database.URL, logger); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	b := &Backends{
		Redis:     NewRedisClient(cfg.Redis, cfg.Flush.KVTimeout),
		DB:        db,
		Articles:  NewPostgresStore(db, cfg.Flush.DBTimeout, logger.Named("postgres")),
		kvTimeout: cfg.Flush.KVTimeout,
	}
	if err := b.Ready(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	logger.Info("backends connected", zap.String("redis", cfg.Redis.Addr))
	return b, nil
}

func migrateUp(url string, logger *zap.Logger) error {
	m, err := NewMigrator(url, logger.Named("migrate"))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Warn("close migrator", zap.Error(cerr))
		}
	}()
	return m.Up()
}

// Ready reports whether both stores answer.
func (b *Backends) Ready(ctx context.Context) error {
	timeout := b.kvTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return errors.Join(
		PingRedis(ctx, b.Redis, timeout),
		b.Articles.Ping(ctx),
	)
}

// Close closes both connections.
func (b *Backends) Close() error {
	return errors.Join(b.Redis.Close(), b.DB.Close())
}
