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

package sqlite

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"

	"github.com/dchest/siphash"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// maxParams bounds the number of bound parameters per
// statement. The engine's hard limit is higher, but
// staying well below it keeps statements cacheable across
// schema changes.
const maxParams = 900

// Batch accumulates rows grouped by destination table
// between two flushes of a bulk import.
type Batch struct {
	tables map[string]*TableRows
	rows   int
}

// TableRows is the per-table portion of a Batch.
type TableRows struct {
	Columns []string
	Rows    [][]interface{}
}

// Append adds one row. The first row appended for a table
// fixes that table's column list for the batch; values
// must appear in the same order.
func (b *Batch) Append(table string, columns []string, values []interface{}) {
	if b.tables == nil {
		b.tables = make(map[string]*TableRows)
	}
	t := b.tables[table]
	if t == nil {
		t = &TableRows{Columns: columns}
		b.tables[table] = t
	}
	t.Rows = append(t.Rows, values)
	b.rows++
}

// Len returns the total number of rows in the batch.
func (b *Batch) Len() int { return b.rows }

// Tables returns the batch's table names in sorted order
// so flushes are deterministic.
func (b *Batch) Tables() []string {
	names := maps.Keys(b.tables)
	slices.Sort(names)
	return names
}

// Table returns the rows accumulated for one table.
func (b *Batch) Table(name string) *TableRows { return b.tables[name] }

// Reset empties the batch, retaining nothing.
func (b *Batch) Reset() {
	b.tables = nil
	b.rows = 0
}

// InsertBatch writes every row in the batch, iterating
// tables in sorted order. Rows carry _status='synced'; an
// existing row with the same id wins (INSERT OR IGNORE).
func (l *Local) InsertBatch(b *Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, name := range b.Tables() {
		t := b.tables[name]
		if err := l.ins.insertRows(l.conn, name, t.Columns, t.Rows); err != nil {
			return err
		}
	}
	return nil
}

// siphash keys for statement-cache signatures; arbitrary
// but fixed so signatures are stable for a process.
const (
	stmtKey0 = 0x736c696365646220 // "slicedb "
	stmtKey1 = 0x696e736572746572 // "inserter"
)

// inserter owns the prepared multi-row INSERT statements.
// Statements are cached only for full-size chunks, keyed
// by (table, column signature, rows per chunk); short
// trailing chunks are prepared and finalized immediately
// so odd batch sizes do not pollute the cache.
type inserter struct {
	stmts map[uint64]*sqlite3.SQLiteStmt
}

func stmtSignature(table string, columns []string, rows int) uint64 {
	var sig strings.Builder
	sig.WriteString(table)
	sig.WriteByte('|')
	for i, c := range columns {
		if i > 0 {
			sig.WriteByte(',')
		}
		sig.WriteString(c)
	}
	sig.WriteByte('|')
	sig.WriteString(strconv.Itoa(rows))
	return siphash.Hash(stmtKey0, stmtKey1, []byte(sig.String()))
}

// insertSQL builds the multi-row statement
//
//	INSERT OR IGNORE INTO "t" ("c1",…,"_status")
//	VALUES (?,…,'synced'),…
func insertSQL(table string, columns []string, rows int) string {
	var sql strings.Builder
	sql.WriteString(`INSERT OR IGNORE INTO `)
	sql.WriteString(quoteIdent(table))
	sql.WriteString(" (")
	for _, c := range columns {
		sql.WriteString(quoteIdent(c))
		sql.WriteByte(',')
	}
	sql.WriteString(`"_status") VALUES `)
	row := "(" + strings.Repeat("?,", len(columns)) + "'synced')"
	for i := 0; i < rows; i++ {
		if i > 0 {
			sql.WriteByte(',')
		}
		sql.WriteString(row)
	}
	return sql.String()
}

func (in *inserter) cached(conn *sqlite3.SQLiteConn, table string, columns []string, rows int) (*sqlite3.SQLiteStmt, error) {
	key := stmtSignature(table, columns, rows)
	if s := in.stmts[key]; s != nil {
		return s, nil
	}
	s, err := prepare(conn, insertSQL(table, columns, rows))
	if err != nil {
		return nil, err
	}
	if in.stmts == nil {
		in.stmts = make(map[uint64]*sqlite3.SQLiteStmt)
	}
	in.stmts[key] = s
	return s, nil
}

func prepare(conn *sqlite3.SQLiteConn, sql string) (*sqlite3.SQLiteStmt, error) {
	s, err := conn.Prepare(sql)
	if err != nil {
		return nil, fmt.Errorf("insert: prepare: %w", err)
	}
	stmt, ok := s.(*sqlite3.SQLiteStmt)
	if !ok {
		s.Close()
		return nil, fmt.Errorf("insert: unexpected statement type %T", s)
	}
	return stmt, nil
}

// insertRows writes rows into table in chunks sized to
// stay under maxParams bound parameters; the caller holds
// the connection lock.
func (in *inserter) insertRows(conn *sqlite3.SQLiteConn, table string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	if len(columns) == 0 {
		return fmt.Errorf("insert into %q: no columns", table)
	}
	chunk := maxParams / len(columns)
	if chunk < 1 {
		chunk = 1
	}
	args := make([]driver.Value, 0, chunk*len(columns))
	for len(rows) > 0 {
		n := chunk
		if n > len(rows) {
			n = len(rows)
		}
		args = args[:0]
		for _, row := range rows[:n] {
			if len(row) != len(columns) {
				return fmt.Errorf("insert into %q: row has %d values, want %d",
					table, len(row), len(columns))
			}
			for _, v := range row {
				bound, err := bindValue(v)
				if err != nil {
					return fmt.Errorf("insert into %q: %w", table, err)
				}
				args = append(args, bound)
			}
		}
		if n == chunk {
			stmt, err := in.cached(conn, table, columns, n)
			if err != nil {
				return err
			}
			if _, err := stmt.Exec(args); err != nil {
				return fmt.Errorf("insert into %q: %w", table, err)
			}
		} else {
			stmt, err := prepare(conn, insertSQL(table, columns, n))
			if err != nil {
				return err
			}
			_, err = stmt.Exec(args)
			stmt.Close()
			if err != nil {
				return fmt.Errorf("insert into %q: %w", table, err)
			}
		}
		rows = rows[n:]
	}
	return nil
}

// cachedStatements returns the current cache size.
func (in *inserter) cachedStatements() int { return len(in.stmts) }

// CachedStatements reports how many prepared insert
// statements are currently cached. It is zero outside a
// bulk write: Commit and Rollback both finalize the cache.
func (l *Local) CachedStatements() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ins.cachedStatements()
}

// finalize closes and drops every cached statement; the
// caller holds the connection lock.
func (in *inserter) finalize() {
	for k, s := range in.stmts {
		s.Close()
		delete(in.stmts, k)
	}
}
