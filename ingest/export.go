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

package ingest

import (
	"database/sql/driver"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/SnellerInc/slicedb/slice"
	"github.com/SnellerInc/slicedb/sqlite"
)

// Export writes the named tables (every application table
// when none are named) to w as a slice, ordered by id so
// the output is deterministic. The engine-managed _status
// column is omitted; a later import recreates it.
func Export(db *sqlite.Local, w io.Writer, tables ...string) error {
	if len(tables) == 0 {
		var err error
		tables, err = db.Tables()
		if err != nil {
			return err
		}
	}
	sw, err := slice.NewWriter(w)
	if err != nil {
		return err
	}
	err = sw.WriteHeader(&slice.Header{
		SliceID:        uuid.NewString(),
		Version:        1,
		Priority:       "export",
		Timestamp:      time.Now().UnixMilli(),
		NumberOfTables: int64(len(tables)),
	})
	if err != nil {
		return err
	}
	for _, table := range tables {
		if err := exportTable(db, sw, table); err != nil {
			return fmt.Errorf("exporting %q: %w", table, err)
		}
	}
	return sw.Close()
}

func exportTable(db *sqlite.Local, sw *slice.Writer, table string) error {
	all, err := db.Columns(table)
	if err != nil {
		return err
	}
	cols := all[:0:0]
	for _, c := range all {
		if c != "_status" {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return fmt.Errorf("no exportable columns")
	}
	if err := sw.BeginTable(table, cols); err != nil {
		return err
	}
	sel := "SELECT "
	for i, c := range cols {
		if i > 0 {
			sel += ", "
		}
		sel += `"` + c + `"`
	}
	sel += ` FROM "` + table + `" ORDER BY id`
	values := make([]interface{}, len(cols))
	err = db.Query(sel, nil, func(vals []driver.Value) error {
		for i, v := range vals {
			switch v := v.(type) {
			case nil, int64, float64, string:
				values[i] = v
			case []byte:
				values[i] = append([]byte(nil), v...)
			case bool:
				if v {
					values[i] = int64(1)
				} else {
					values[i] = int64(0)
				}
			case time.Time:
				values[i] = v.UTC().Format(time.RFC3339Nano)
			default:
				return fmt.Errorf("column %q: unsupported value %T", cols[i], v)
			}
		}
		return sw.WriteRow(values)
	})
	if err != nil {
		return err
	}
	return sw.EndTable()
}
