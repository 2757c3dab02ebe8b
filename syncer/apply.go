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

package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/SnellerInc/slicedb/sqlite"
)

// deleteChunk bounds the parameters bound per DELETE
// statement, matching the insert helper's limit.
const deleteChunk = 900

// reservedKeys are entry fields that are sync envelope,
// not row data, when the row payload is inlined.
var reservedKeys = map[string]bool{
	"table": true, "tableName": true,
	"deleted": true, "isDeleted": true, "is_deleted": true,
	"type": true, "op": true, "operation": true,
	"sequenceId": true, "sequence_id": true, "sequence": true,
	"row": true, "record": true, "data": true,
}

// Apply decodes a change-set payload and applies it to db
// atomically: every upsert, delete, and the sequence-id
// watermark commit together or not at all. Applying the
// same payload twice leaves the database unchanged.
func Apply(db *sqlite.Local, payload []byte) error {
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &entries); err != nil {
		return fmt.Errorf("apply: decoding payload: %w", err)
	}
	if err := db.Begin(); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	err := applyEntries(db, entries)
	if err != nil {
		db.Rollback()
		return fmt.Errorf("apply: %w", err)
	}
	if err := db.Commit(); err != nil {
		db.Rollback()
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}

func applyEntries(db *sqlite.Local, entries []map[string]json.RawMessage) error {
	ap := applier{db: db, deletes: make(map[string][]string)}
	for i, entry := range entries {
		if err := ap.entry(entry); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	if err := ap.flushDeletes(); err != nil {
		return err
	}
	return db.SetLastSequenceID(ap.maxSequence)
}

type applier struct {
	db          *sqlite.Local
	deletes     map[string][]string
	maxSequence string
	schema      map[string]map[string]bool
	reloaded    map[string]bool
}

// quoteIdent quotes an SQL identifier from the payload.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func stringField(entry map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := entry[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	return ""
}

// sequenceID accepts the documented spellings with string
// or numeric values.
func sequenceID(entry map[string]json.RawMessage) string {
	for _, k := range []string{"sequenceId", "sequence_id", "sequence"} {
		raw, ok := entry[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		var n json.Number
		if json.Unmarshal(raw, &n) == nil {
			return n.String()
		}
	}
	return ""
}

// deleted recognizes every accepted deletion marker:
// boolean flags under three spellings, or a type/op field
// naming the operation.
func deleted(entry map[string]json.RawMessage) bool {
	for _, k := range []string{"deleted", "isDeleted", "is_deleted"} {
		raw, ok := entry[k]
		if !ok {
			continue
		}
		var b bool
		if json.Unmarshal(raw, &b) == nil && b {
			return true
		}
	}
	switch strings.ToLower(stringField(entry, "type", "op", "operation")) {
	case "delete", "deleted":
		return true
	}
	return false
}

// rowPayload extracts the row object: a nested
// row/record/data object when present, otherwise the
// entry itself minus the envelope keys.
func rowPayload(entry map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	for _, k := range []string{"row", "record", "data"} {
		raw, ok := entry[k]
		if !ok {
			continue
		}
		var row map[string]json.RawMessage
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("field %q is not an object: %w", k, err)
		}
		return row, nil
	}
	row := make(map[string]json.RawMessage, len(entry))
	for k, v := range entry {
		if !reservedKeys[k] {
			row[k] = v
		}
	}
	return row, nil
}

func (ap *applier) entry(entry map[string]json.RawMessage) error {
	table := stringField(entry, "table", "tableName")
	if table == "" {
		return errors.New("missing table name")
	}
	if seq := sequenceID(entry); seq != "" && seq > ap.maxSequence {
		ap.maxSequence = seq
	}
	row, err := rowPayload(entry)
	if err != nil {
		return err
	}
	if deleted(entry) {
		id := stringField(entry, "id")
		if id == "" {
			var s string
			if raw, ok := row["id"]; ok && json.Unmarshal(raw, &s) == nil {
				id = s
			}
		}
		if id == "" {
			return fmt.Errorf("delete for %q has no id", table)
		}
		ap.deletes[table] = append(ap.deletes[table], id)
		return nil
	}
	return ap.upsert(table, row)
}

// columnsOf returns the known column set for table,
// reloading the schema once when probe is not in it.
func (ap *applier) columnsOf(table, probe string) (map[string]bool, error) {
	if ap.schema == nil {
		ap.schema = make(map[string]map[string]bool)
	}
	set, ok := ap.schema[table]
	if ok && (probe == "" || set[probe]) {
		return set, nil
	}
	load := ap.db.Columns
	if ok && !ap.reloaded[table] {
		// an unknown column invalidates the cache once
		// per table; if the reloaded schema still lacks
		// it, the caller drops the column
		load = ap.db.ReloadColumns
		if ap.reloaded == nil {
			ap.reloaded = make(map[string]bool)
		}
		ap.reloaded[table] = true
	} else if ok {
		return set, nil
	}
	cols, err := load(table)
	if err != nil {
		return nil, err
	}
	set = make(map[string]bool, len(cols))
	for _, c := range cols {
		set[c] = true
	}
	ap.schema[table] = set
	return set, nil
}

func (ap *applier) upsert(table string, row map[string]json.RawMessage) error {
	if _, ok := row["id"]; !ok {
		return fmt.Errorf("row for %q has no id", table)
	}
	set, err := ap.columnsOf(table, "")
	if err != nil {
		return err
	}
	if !set["id"] {
		return fmt.Errorf("table %q has no id column", table)
	}
	cols := make([]string, 0, len(row))
	for k := range row {
		if !set[k] {
			// maybe the schema changed under us; reload
			// once, then drop columns it still lacks
			if set, err = ap.columnsOf(table, k); err != nil {
				return err
			}
			if !set[k] {
				continue
			}
		}
		cols = append(cols, k)
	}
	slices.Sort(cols)

	var sql strings.Builder
	sql.WriteString(`INSERT OR REPLACE INTO `)
	sql.WriteString(quoteIdent(table))
	sql.WriteString(` (`)
	args := make([]interface{}, 0, len(cols))
	for i, c := range cols {
		if i > 0 {
			sql.WriteByte(',')
		}
		sql.WriteString(quoteIdent(c))
		v, err := jsonValue(row[c])
		if err != nil {
			return fmt.Errorf("%s.%s: %w", table, c, err)
		}
		args = append(args, v)
	}
	sql.WriteString(`) VALUES (`)
	sql.WriteString(strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","))
	sql.WriteString(`)`)
	if err := ap.db.Exec(sql.String(), args...); err != nil {
		return fmt.Errorf("upserting into %q: %w", table, err)
	}
	return nil
}

// jsonValue converts one JSON field into a bindable value.
// Objects and arrays are stored as their serialized text.
func jsonValue(raw json.RawMessage) (interface{}, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	switch trimmed[0] {
	case '{', '[':
		return trimmed, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", trimmed)
		}
		return f, nil
	}
}

func (ap *applier) flushDeletes() error {
	tables := make([]string, 0, len(ap.deletes))
	for t := range ap.deletes {
		tables = append(tables, t)
	}
	slices.Sort(tables)
	for _, table := range tables {
		ids := ap.deletes[table]
		for len(ids) > 0 {
			n := deleteChunk
			if n > len(ids) {
				n = len(ids)
			}
			sql := `DELETE FROM ` + quoteIdent(table) + ` WHERE id IN (` +
				strings.TrimSuffix(strings.Repeat("?,", n), ",") + `)`
			args := make([]interface{}, n)
			for i, id := range ids[:n] {
				args[i] = id
			}
			if err := ap.db.Exec(sql, args...); err != nil {
				return fmt.Errorf("deleting from %q: %w", table, err)
			}
			ids = ids[n:]
		}
	}
	return nil
}
