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
)

// schemaCache memoizes PRAGMA table_info results. The
// engine's schema_version acts as the cache epoch: any
// DDL bumps it and drops the whole cache.
type schemaCache struct {
	epoch  int64
	tables map[string][]string
}

// schemaVersion reads PRAGMA schema_version; the caller
// holds l.mu.
func (l *Local) schemaVersion() (int64, error) {
	var v int64
	err := l.query("PRAGMA schema_version", nil, func(vals []driver.Value) error {
		if n, ok := vals[0].(int64); ok {
			v = n
		}
		return nil
	})
	return v, err
}

// columns returns the ordered column names of table; the
// caller holds l.mu.
func (l *Local) columns(table string) ([]string, error) {
	v, err := l.schemaVersion()
	if err != nil {
		return nil, err
	}
	if v != l.schema.epoch {
		l.schema.epoch = v
		l.schema.tables = nil
	}
	if cols, ok := l.schema.tables[table]; ok {
		return cols, nil
	}
	var cols []string
	err = l.query(fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)), nil,
		func(vals []driver.Value) error {
			// table_info: cid, name, type, notnull, dflt_value, pk
			if name, ok := vals[1].(string); ok {
				cols = append(cols, name)
			} else if name, ok := vals[1].([]byte); ok {
				cols = append(cols, string(name))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoTable, table)
	}
	if l.schema.tables == nil {
		l.schema.tables = make(map[string][]string)
	}
	l.schema.tables[table] = cols
	return cols, nil
}

// Columns returns the ordered column names of table,
// served from the schema cache when the schema has not
// changed since the last load.
func (l *Local) Columns(table string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.columns(table)
}

// ReloadColumns drops the cached column list for table and
// loads it again. Callers use it when they see a column
// that the cached schema does not know about.
func (l *Local) ReloadColumns(table string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.schema.tables, table)
	return l.columns(table)
}

// Tables returns the names of the application tables:
// every table except the engine's own local_storage and
// the sqlite internals.
func (l *Local) Tables() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var names []string
	err := l.query(`SELECT name FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%' AND name <> 'local_storage'
		ORDER BY name`, nil,
		func(vals []driver.Value) error {
			switch n := vals[0].(type) {
			case string:
				names = append(names, n)
			case []byte:
				names = append(names, string(n))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return names, nil
}
