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

import "database/sql/driver"

// LastSequenceIDKey is the local_storage key holding the
// sync watermark: the highest server sequence id applied
// locally.
const LastSequenceIDKey = "__watermelon_last_sequence_id"

// LocalGet reads one local_storage value. A missing key
// returns ("", nil).
func (l *Local) LocalGet(key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localGet(key)
}

func (l *Local) localGet(key string) (string, error) {
	var out string
	err := l.query("SELECT value FROM local_storage WHERE key = ?",
		[]driver.Value{key}, func(vals []driver.Value) error {
			switch v := vals[0].(type) {
			case string:
				out = v
			case []byte:
				out = string(v)
			}
			return nil
		})
	return out, err
}

// LocalSet writes one local_storage value.
func (l *Local) LocalSet(key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exec("INSERT OR REPLACE INTO local_storage (key, value) VALUES (?, ?)",
		[]driver.Value{key, value})
}

// LastSequenceID returns the current sync watermark, or ""
// when the database has never synced.
func (l *Local) LastSequenceID() (string, error) {
	return l.LocalGet(LastSequenceIDKey)
}

// SetLastSequenceID advances the sync watermark to id.
// The watermark is monotonic: an id that does not compare
// lexicographically greater than the stored value is
// ignored.
func (l *Local) SetLastSequenceID(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == "" {
		return nil
	}
	cur, err := l.localGet(LastSequenceIDKey)
	if err != nil {
		return err
	}
	if cur != "" && id <= cur {
		return nil
	}
	return l.exec("INSERT OR REPLACE INTO local_storage (key, value) VALUES (?, ?)",
		[]driver.Value{LastSequenceIDKey, id})
}
