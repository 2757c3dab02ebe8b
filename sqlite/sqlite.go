// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package sqlite is the local storage engine.
//
// It wraps a single raw sqlite3 driver connection and
// serializes every statement behind one mutex, so a *Local
// doubles as the database-affine executor: callers on any
// goroutine observe statements in a total order. Statement
// caching, transactions, savepoints, and the local_storage
// key/value state all live here.
package sqlite

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrTransactionOpen is returned by Begin when a
	// transaction is already in progress.
	ErrTransactionOpen = errors.New("transaction already open")
	// ErrNoTransaction is returned by Commit without a
	// matching Begin.
	ErrNoTransaction = errors.New("no open transaction")
	// ErrNoTable is returned by Columns for a table that
	// does not exist.
	ErrNoTable = errors.New("no such table")
)

// savepointName is the single savepoint the engines cycle
// during bulk writes.
const savepointName = "sp"

// Local is a handle to one on-device database.
type Local struct {
	// Logf, if non-nil, receives diagnostics for
	// operations that are deliberately best-effort
	// (rollback cleanup, pragma restoration).
	// Logf must be safe for concurrent use.
	Logf func(f string, args ...interface{})

	mu        sync.Mutex
	conn      *sqlite3.SQLiteConn
	ins       inserter
	inTx      bool
	savepoint bool
	schema    schemaCache
}

// Open opens (creating if necessary) the database at path.
func Open(path string) (*Local, error) {
	drv := &sqlite3.SQLiteDriver{}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=0", path)
	c, err := drv.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	conn, ok := c.(*sqlite3.SQLiteConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("unexpected driver connection %T", c)
	}
	l := &Local{conn: conn}
	err = l.exec(`CREATE TABLE IF NOT EXISTS local_storage (key TEXT PRIMARY KEY, value TEXT) WITHOUT ROWID`, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

// Close finalizes cached statements and closes the
// underlying connection.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ins.finalize()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

func (l *Local) logf(f string, args ...interface{}) {
	if l.Logf != nil {
		l.Logf(f, args...)
	}
}

// exec runs a single statement; the caller holds l.mu.
func (l *Local) exec(query string, args []driver.Value) error {
	_, err := l.conn.Exec(query, args)
	return err
}

// pragma runs a statement that may return rows and
// discards them; the caller holds l.mu.
func (l *Local) pragma(query string) error {
	rows, err := l.conn.Query(query, nil)
	if err != nil {
		return err
	}
	defer rows.Close()
	dest := make([]driver.Value, len(rows.Columns()))
	for {
		if err := rows.Next(dest); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// query runs a statement and invokes fn for each row; the
// caller holds l.mu. The values slice is reused between
// calls.
func (l *Local) query(stmt string, args []driver.Value, fn func(vals []driver.Value) error) error {
	rows, err := l.conn.Query(stmt, args)
	if err != nil {
		return err
	}
	defer rows.Close()
	dest := make([]driver.Value, len(rows.Columns()))
	for {
		err := rows.Next(dest)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(dest); err != nil {
			return err
		}
	}
}

// Exec runs one SQL statement with the given arguments.
func (l *Local) Exec(stmt string, args ...interface{}) error {
	vals, err := bindValues(args)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exec(stmt, vals)
}

// QueryRow runs stmt and returns the first result row, or
// (nil, nil) when the query matches nothing.
func (l *Local) QueryRow(stmt string, args ...interface{}) ([]driver.Value, error) {
	vals, err := bindValues(args)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []driver.Value
	err = l.query(stmt, vals, func(row []driver.Value) error {
		if out == nil {
			out = append([]driver.Value(nil), row...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Query runs stmt and invokes fn for each result row. The
// slice passed to fn is reused; fn must copy values it
// retains.
func (l *Local) Query(stmt string, args []interface{}, fn func(vals []driver.Value) error) error {
	vals, err := bindValues(args)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.query(stmt, vals, fn)
}

// Begin opens a write transaction with BEGIN IMMEDIATE.
func (l *Local) Begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inTx {
		return ErrTransactionOpen
	}
	if err := l.exec("BEGIN IMMEDIATE", nil); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	l.inTx = true
	return nil
}

// InTransaction reports whether a transaction is open.
func (l *Local) InTransaction() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inTx
}

// Commit releases any open savepoint, commits, truncates
// the write-ahead log, restores the default durability
// pragmas, and finalizes cached statements.
func (l *Local) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.inTx {
		return ErrNoTransaction
	}
	if l.savepoint {
		if err := l.exec("RELEASE "+savepointName, nil); err != nil {
			l.logf("releasing savepoint before commit: %s", err)
		}
		l.savepoint = false
	}
	l.ins.finalize()
	if err := l.exec("COMMIT", nil); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	l.inTx = false
	if err := l.pragma("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		l.logf("wal checkpoint: %s", err)
	}
	l.restorePragmas()
	return nil
}

// Rollback abandons the open transaction. It is
// best-effort and safe to call in any state.
func (l *Local) Rollback() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ins.finalize()
	if !l.inTx {
		return
	}
	if l.savepoint {
		if err := l.exec("ROLLBACK TO "+savepointName, nil); err != nil {
			l.logf("rollback to savepoint: %s", err)
		}
		if err := l.exec("RELEASE "+savepointName, nil); err != nil {
			l.logf("release savepoint: %s", err)
		}
		l.savepoint = false
	}
	if err := l.exec("ROLLBACK", nil); err != nil {
		l.logf("rollback: %s", err)
	}
	l.inTx = false
	l.restorePragmas()
}

// CreateSavepoint opens the bulk-write savepoint.
func (l *Local) CreateSavepoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.exec("SAVEPOINT "+savepointName, nil); err != nil {
		return err
	}
	l.savepoint = true
	return nil
}

// ReleaseSavepoint releases the bulk-write savepoint,
// folding its writes into the enclosing transaction.
func (l *Local) ReleaseSavepoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.savepoint {
		return nil
	}
	if err := l.exec("RELEASE "+savepointName, nil); err != nil {
		return err
	}
	l.savepoint = false
	return nil
}

// SetImportPragmas applies the bulk-import tuning pragmas.
// They remain in effect until Commit or Rollback restores
// the defaults.
func (l *Local) SetImportPragmas() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-20000",
		"PRAGMA wal_autocheckpoint=10000",
	} {
		if err := l.pragma(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// restorePragmas resets durability tuning to the defaults;
// the caller holds l.mu. Failures are logged only: the
// database contents are already consistent at this point.
func (l *Local) restorePragmas() {
	for _, p := range []string{
		"PRAGMA synchronous=FULL",
		"PRAGMA temp_store=DEFAULT",
		"PRAGMA cache_size=-2000",
		"PRAGMA wal_autocheckpoint=1000",
	} {
		if err := l.pragma(p); err != nil {
			l.logf("%s: %s", p, err)
		}
	}
}

// quoteIdent quotes an SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// bindValues converts Go values into driver values,
// widening the numeric types the decoders produce.
func bindValues(args []interface{}) ([]driver.Value, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]driver.Value, len(args))
	for i, a := range args {
		v, err := bindValue(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func bindValue(a interface{}) (driver.Value, error) {
	switch a := a.(type) {
	case nil:
		return nil, nil
	case int64, float64, string, []byte, bool:
		return a, nil
	case int:
		return int64(a), nil
	case int32:
		return int64(a), nil
	case float32:
		return float64(a), nil
	default:
		return nil, fmt.Errorf("cannot bind value of type %T", a)
	}
}
