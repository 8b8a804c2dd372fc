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

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"viewcounter/internal/viewcounter/core"
)

// Schema (see migrations/):
//
//	CREATE TABLE articles (
//	  id          BIGINT PRIMARY KEY,
//	  views_count BIGINT NOT NULL DEFAULT 0
//	);
//
// Each batch is one transaction around one statement:
//
//	UPDATE articles SET views_count = CASE
//	  WHEN id = $1 THEN views_count + $2 ...
//	END WHERE id IN ($2n+1, ...)

// DefaultDBTimeout bounds a bulk increment or a read when the caller's
// context has no deadline.
const DefaultDBTimeout = 5 * time.Second

// PostgresStore applies view deltas to the articles table and reads counts
// back. It implements core.BulkIncrementer and core.ArticleReader.
type PostgresStore struct {
	db             *sql.DB
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// NewPostgresStore wraps db. timeout <= 0 uses DefaultDBTimeout.
func NewPostgresStore(db *sql.DB, timeout time.Duration, logger *zap.Logger) *PostgresStore {
	if timeout <= 0 {
		timeout = DefaultDBTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, defaultTimeout: timeout, logger: logger}
}

func (p *PostgresStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.defaultTimeout)
}

// Apply adds deltas to views_count in a single statement inside a single
// transaction. Errors wrap core.ErrTransient or core.ErrPermanent.
func (p *PostgresStore) Apply(ctx context.Context, deltas map[int64]int64) error {
	if len(deltas) == 0 {
		p.logger.Warn("bulk increment called with no deltas")
		return nil
	}
	query, args, err := core.BuildBulkIncrement(deltas, sq.Dollar)
	if err != nil {
		return fmt.Errorf("%w: build bulk update: %w", core.ErrPermanent, err)
	}

	ctx, cancel := p.bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return Classify(fmt.Errorf("begin: %w", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return Classify(fmt.Errorf("bulk update %d rows: %w", len(deltas), err))
	}
	if err := tx.Commit(); err != nil {
		return Classify(fmt.Errorf("commit: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n < int64(len(deltas)) {
		// Deltas for deleted articles have nowhere to go.
		p.logger.Debug("bulk update matched fewer rows than deltas",
			zap.Int64("matched", n), zap.Int("deltas", len(deltas)))
	}
	return nil
}

// ViewsCount returns the persisted count of id.
func (p *PostgresStore) ViewsCount(ctx context.Context, id int64) (int64, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT views_count FROM articles WHERE id = $1`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, core.ErrArticleNotFound
	}
	if err != nil {
		return 0, Classify(fmt.Errorf("select views_count: %w", err))
	}
	return n, nil
}

// ViewsCounts returns persisted counts for the ids that exist.
func (p *PostgresStore) ViewsCounts(ctx context.Context, ids []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `SELECT id, views_count FROM articles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, Classify(fmt.Errorf("select views_count: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

// Ping verifies the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return p.db.PingContext(ctx)
}

// Classify wraps err with core.ErrTransient or core.ErrPermanent.
//
// SQLSTATE classes 08 (connection), 40 (rollback, e.g. serialization
// failure or deadlock), 53 (insufficient resources), 57 (operator
// intervention) and 58 (system error) are transient; any other server error
// is permanent. Everything else (client timeouts, broken connections,
// network errors) is transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrTransient) || errors.Is(err, core.ErrPermanent) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch sqlStateClass(pgErr.Code) {
		case "08", "40", "53", "57", "58":
			return fmt.Errorf("%w: %w", core.ErrTransient, err)
		default:
			return fmt.Errorf("%w: %w", core.ErrPermanent, err)
		}
	}
	return fmt.Errorf("%w: %w", core.ErrTransient, err)
}

func sqlStateClass(code string) string {
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}
