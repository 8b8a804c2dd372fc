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
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewcounter/internal/viewcounter/core"
)

// fakeDB is the backing state of the "fakesql" driver.
type fakeDB struct {
	mu            sync.Mutex
	failBegin     error
	failExec      error
	failCommit    error
	failQuery     error
	execs         []string
	args          [][]driver.NamedValue
	rowsAffected  int64
	queryRows     [][]driver.Value
	commitCount   int
	rollbackCount int
}

type fakeDriver struct{}

type fakeConn struct{ db *fakeDB }

type fakeTx struct {
	db     *fakeDB
	closed bool
}

type fakeResult int64

func (fakeResult) LastInsertId() (int64, error)   { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeRows struct {
	cols []string
	rows [][]driver.Value
	i    int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.i >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.i])
	r.i++
	return nil
}

var (
	fakeRegistry   = map[string]*fakeDB{}
	fakeRegistryMu sync.Mutex
)

func init() {
	sql.Register("fakesql", fakeDriver{})
}

func (fakeDriver) Open(name string) (driver.Conn, error) {
	fakeRegistryMu.Lock()
	defer fakeRegistryMu.Unlock()
	return &fakeConn{db: fakeRegistry[name]}, nil
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *fakeConn) Close() error                        { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *fakeConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.db.failBegin != nil {
		return nil, c.db.failBegin
	}
	return &fakeTx{db: c.db}, nil
}

// CheckNamedValue accepts slices so ANY($1) arguments reach the fake.
func (c *fakeConn) CheckNamedValue(*driver.NamedValue) error { return nil }

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.execs = append(c.db.execs, query)
	c.db.args = append(c.db.args, args)
	if c.db.failExec != nil {
		return nil, c.db.failExec
	}
	return fakeResult(c.db.rowsAffected), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.execs = append(c.db.execs, query)
	c.db.args = append(c.db.args, args)
	if c.db.failQuery != nil {
		return nil, c.db.failQuery
	}
	cols := []string{"views_count"}
	if strings.Contains(query, "SELECT id,") {
		cols = []string{"id", "views_count"}
	}
	return &fakeRows{cols: cols, rows: c.db.queryRows}, nil
}

func (t *fakeTx) Commit() error {
	if t.closed {
		return errors.New("already closed")
	}
	t.db.commitCount++
	t.closed = true
	return t.db.failCommit
}

func (t *fakeTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.db.rollbackCount++
	t.closed = true
	return nil
}

func newSQLDBWithFake(t *testing.T, f *fakeDB) *sql.DB {
	t.Helper()
	fakeRegistryMu.Lock()
	fakeRegistry[t.Name()] = f
	fakeRegistryMu.Unlock()
	db, err := sql.Open("fakesql", t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresStore_ApplyEmpty(t *testing.T) {
	f := &fakeDB{}
	p := NewPostgresStore(newSQLDBWithFake(t, f), 0, nil)
	require.NoError(t, p.Apply(context.Background(), nil))
	assert.Empty(t, f.execs)
	assert.Zero(t, f.commitCount)
}

func TestPostgresStore_ApplySingleStatementOneTx(t *testing.T) {
	f := &fakeDB{rowsAffected: 2}
	p := NewPostgresStore(newSQLDBWithFake(t, f), time.Second, nil)

	require.NoError(t, p.Apply(context.Background(), map[int64]int64{9995: 10, 9991: 3}))

	require.Len(t, f.execs, 1)
	assert.Equal(t,
		"UPDATE articles SET views_count = CASE WHEN id = $1 THEN views_count + $2"+
			" WHEN id = $3 THEN views_count + $4 END WHERE id IN ($5,$6)",
		f.execs[0])
	var got []any
	for _, a := range f.args[0] {
		got = append(got, a.Value)
	}
	assert.Equal(t, []any{int64(9991), int64(3), int64(9995), int64(10), int64(9991), int64(9995)}, got)
	assert.Equal(t, 1, f.commitCount)
	assert.Zero(t, f.rollbackCount)
}

func TestPostgresStore_ApplyFewerRowsIsNotAnError(t *testing.T) {
	f := &fakeDB{rowsAffected: 1}
	p := NewPostgresStore(newSQLDBWithFake(t, f), time.Second, nil)
	assert.NoError(t, p.Apply(context.Background(), map[int64]int64{1: 1, 2: 1}))
}

func TestPostgresStore_ApplyExecErrorRollsBack(t *testing.T) {
	f := &fakeDB{failExec: &pgconn.PgError{Code: "23514", Message: "check violation"}}
	p := NewPostgresStore(newSQLDBWithFake(t, f), time.Second, nil)

	err := p.Apply(context.Background(), map[int64]int64{1: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPermanent)
	assert.False(t, core.IsRetryable(err))
	assert.Equal(t, 1, f.rollbackCount)
	assert.Zero(t, f.commitCount)
}

func TestPostgresStore_ApplyBeginError(t *testing.T) {
	f := &fakeDB{failBegin: errors.New("dial tcp: connection refused")}
	p := NewPostgresStore(newSQLDBWithFake(t, f), time.Second, nil)

	err := p.Apply(context.Background(), map[int64]int64{1: 1})
	assert.ErrorIs(t, err, core.ErrTransient)
	assert.Empty(t, f.execs)
}

func TestPostgresStore_ApplyCommitError(t *testing.T) {
	f := &fakeDB{failCommit: &pgconn.PgError{Code: "40001", Message: "serialization failure"}}
	p := NewPostgresStore(newSQLDBWithFake(t, f), time.Second, nil)

	err := p.Apply(context.Background(), map[int64]int64{1: 1})
	assert.ErrorIs(t, err, core.ErrTransient)
	assert.True(t, core.IsRetryable(err))
	assert.Equal(t, 1, f.commitCount)
}

func TestPostgresStore_ViewsCount(t *testing.T) {
	f := &fakeDB{queryRows: [][]driver.Value{{int64(50)}}}
	p := NewPostgresStore(newSQLDBWithFake(t, f), time.Second, nil)

	n, err := p.ViewsCount(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
	assert.Contains(t, f.execs[0], "WHERE id = $1")
}

func TestPostgresStore_ViewsCountNotFound(t *testing.T) {
	p := NewPostgresStore(newSQLDBWithFake(t, &fakeDB{}), time.Second, nil)
	_, err := p.ViewsCount(context.Background(), 42)
	assert.ErrorIs(t, err, core.ErrArticleNotFound)
}

func TestPostgresStore_ViewsCounts(t *testing.T) {
	f := &fakeDB{queryRows: [][]driver.Value{{int64(1), int64(10)}, {int64(3), int64(30)}}}
	p := NewPostgresStore(newSQLDBWithFake(t, f), time.Second, nil)

	got, err := p.ViewsCounts(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{1: 10, 3: 30}, got)
	assert.Contains(t, f.execs[0], "ANY($1)")

	empty, err := p.ViewsCounts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPostgresStore_ViewsCountsQueryError(t *testing.T) {
	f := &fakeDB{failQuery: errors.New("broken pipe")}
	p := NewPostgresStore(newSQLDBWithFake(t, f), time.Second, nil)
	_, err := p.ViewsCounts(context.Background(), []int64{1})
	assert.ErrorIs(t, err, core.ErrTransient)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"query canceled", &pgconn.PgError{Code: "57014"}, true},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"numeric overflow", &pgconn.PgError{Code: "22003"}, false},
		{"wrapped pg error", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), false},
		{"deadline", context.DeadlineExceeded, true},
		{"bad conn", driver.ErrBadConn, true},
		{"unknown", errors.New("something odd"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify(tc.err)
			assert.ErrorIs(t, err, tc.err)
			if tc.transient {
				assert.ErrorIs(t, err, core.ErrTransient)
			} else {
				assert.ErrorIs(t, err, core.ErrPermanent)
			}
		})
	}
	assert.NoError(t, Classify(nil))
	already := fmt.Errorf("%w: x", core.ErrPermanent)
	assert.Equal(t, already, Classify(already))
}
