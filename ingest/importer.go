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

// Package ingest bulk-loads slice files into the local
// database.
//
// An import is one long transaction: the slice is
// downloaded, decompressed, and parsed as a stream, rows
// are accumulated into batches and flushed through the
// multi-row insert path, and a named savepoint is cycled
// every SavepointInterval rows to bound rollback cost.
// Either every row in the slice is committed or the
// database is left untouched.
package ingest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/SnellerInc/slicedb/platform"
	"github.com/SnellerInc/slicedb/slice"
	"github.com/SnellerInc/slicedb/sqlite"
)

var (
	// ErrBusy is returned by Start while another import
	// is running on the same Importer.
	ErrBusy = errors.New("import already in progress")
	// ErrCancelled is delivered to the completion
	// callback when Cancel interrupts an import.
	ErrCancelled = errors.New("import cancelled")
)

// SavepointInterval is the number of inserted rows between
// savepoint cycles.
const SavepointInterval = 10000

// batch size floors applied under memory pressure
const (
	warnFloor     = 250
	criticalFloor = 100
)

// DB is the slice of the database surface an import
// needs. *sqlite.Local implements it.
type DB interface {
	Begin() error
	Commit() error
	Rollback()
	CreateSavepoint() error
	ReleaseSavepoint() error
	SetImportPragmas() error
	InsertBatch(*sqlite.Batch) error
}

// Importer runs slice imports. One Importer runs at most
// one import at a time; concurrent Start calls beyond the
// first fail with ErrBusy.
type Importer struct {
	// DB is the destination database.
	DB DB
	// Downloader streams the slice URL.
	Downloader platform.Downloader
	// Memory, if non-nil, delivers memory-pressure
	// events that shrink the batch size mid-import.
	Memory platform.MemoryWatcher
	// BatchSize overrides the initial batch size; zero
	// means platform.OptimalBatchSize.
	BatchSize int
	// Logf, if non-nil, receives progress and
	// diagnostic lines. It must be safe for concurrent
	// use.
	Logf func(f string, args ...interface{})

	mu        sync.Mutex
	running   bool
	completed bool
	cancelled bool
	done      func(error)
	handle    platform.DownloadHandle
	stopMem   func()
	pw        *io.PipeWriter

	total     int64 // atomic
	batchSize int64 // atomic
	failed    int32 // atomic; poisons the chunk path
}

func (im *Importer) logf(f string, args ...interface{}) {
	if im.Logf != nil {
		im.Logf(f, args...)
	}
}

// Importing reports whether an import is in flight.
func (im *Importer) Importing() bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.running
}

// TotalRows returns the number of rows inserted so far by
// the current (or last) import.
func (im *Importer) TotalRows() int64 {
	return atomic.LoadInt64(&im.total)
}

// Start begins importing the slice at url. It returns
// ErrBusy when an import is already running; otherwise it
// returns nil immediately and delivers exactly one
// done(err) later, with a nil err on success.
func (im *Importer) Start(url string, done func(error)) error {
	im.mu.Lock()
	if im.running {
		im.mu.Unlock()
		return ErrBusy
	}
	im.running = true
	im.completed = false
	im.cancelled = false
	im.done = done
	atomic.StoreInt64(&im.total, 0)
	atomic.StoreInt32(&im.failed, 0)

	size := im.BatchSize
	if size <= 0 {
		size = platform.OptimalBatchSize()
	}
	if size > SavepointInterval {
		size = SavepointInterval
	}
	atomic.StoreInt64(&im.batchSize, int64(size))

	if im.Memory != nil {
		im.stopMem = im.Memory.Watch(im.onMemoryPressure)
	}
	im.mu.Unlock()

	if err := im.DB.SetImportPragmas(); err != nil {
		im.finish(fmt.Errorf("import pragmas: %w", err), false)
		return nil
	}
	if err := im.DB.Begin(); err != nil {
		im.finish(fmt.Errorf("begin: %w", err), false)
		return nil
	}
	if err := im.DB.CreateSavepoint(); err != nil {
		im.finish(fmt.Errorf("savepoint: %w", err), true)
		return nil
	}

	pr, pw := io.Pipe()
	digest, _ := blake2b.New256(nil)
	var compressed int64

	im.mu.Lock()
	im.pw = pw
	im.mu.Unlock()

	onChunk := func(chunk []byte) error {
		if atomic.LoadInt32(&im.failed) != 0 {
			return errors.New("import failed")
		}
		compressed += int64(len(chunk))
		digest.Write(chunk)
		_, err := pw.Write(chunk)
		return err
	}
	onDone := func(err error) {
		if err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
	}

	im.mu.Lock()
	im.handle = im.Downloader.Download(url, onChunk, onDone)
	im.mu.Unlock()

	go func() {
		err := im.run(pr)
		if err == nil {
			im.logf("imported %d rows (%d compressed bytes, blake2b %s)",
				atomic.LoadInt64(&im.total), compressed,
				hex.EncodeToString(digest.Sum(nil)))
		}
		im.finish(err, true)
	}()
	return nil
}

// Cancel aborts the running import. The completion
// callback receives ErrCancelled. Cancel is a no-op when
// nothing is running.
func (im *Importer) Cancel() {
	im.mu.Lock()
	if !im.running || im.completed {
		im.mu.Unlock()
		return
	}
	im.cancelled = true
	atomic.StoreInt32(&im.failed, 1)
	handle := im.handle
	pw := im.pw
	im.mu.Unlock()
	if handle != nil {
		handle.Cancel()
	}
	if pw != nil {
		pw.CloseWithError(ErrCancelled)
	}
}

// onMemoryPressure shrinks the batch size; it is never
// grown back during the import.
func (im *Importer) onMemoryPressure(lvl platform.MemoryLevel) {
	for {
		old := atomic.LoadInt64(&im.batchSize)
		var next int64
		switch lvl {
		case platform.MemoryWarn:
			next = old / 2
			if next < warnFloor {
				next = warnFloor
			}
		case platform.MemoryCritical:
			next = old / 4
			if next < criticalFloor {
				next = criticalFloor
			}
		default:
			return
		}
		if next >= old {
			return
		}
		if atomic.CompareAndSwapInt64(&im.batchSize, old, next) {
			im.logf("memory pressure (%s): batch size %d -> %d", lvl, old, next)
			return
		}
	}
}

// run is the import driver: it consumes the decompressed
// stream and performs every database write in source
// order. It executes on its own goroutine; the pipe
// provides back-pressure against the download.
func (im *Importer) run(pr *io.PipeReader) error {
	defer pr.Close()
	rd, err := slice.NewReader(pr)
	if err != nil {
		return err
	}
	defer rd.Close()

	hdr, err := rd.ReadHeader()
	if err != nil {
		return fmt.Errorf("slice header: %w", err)
	}
	if hdr.NumberOfTables == 0 {
		im.logf("slice %s: header declares no table count; reading until EOF", hdr.SliceID)
	}
	im.logf("slice %s: version %d priority %q tables %d",
		hdr.SliceID, hdr.Version, hdr.Priority, hdr.NumberOfTables)

	var (
		batch      sqlite.Batch
		sincePoint int64
	)
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		n := batch.Len()
		start := time.Now()
		if err := im.DB.InsertBatch(&batch); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		batch.Reset()
		atomic.AddInt64(&im.total, int64(n))
		im.logf("flushed %d rows in %s (total %d)",
			n, time.Since(start), atomic.LoadInt64(&im.total))
		// cycle the savepoint for every interval the
		// flush crossed, not just once
		sincePoint += int64(n)
		for sincePoint >= SavepointInterval {
			if err := im.ReleaseAndRecreateSavepoint(); err != nil {
				im.logf("savepoint cycle: %s", err)
				sincePoint = 0
				break
			}
			sincePoint -= SavepointInterval
		}
		return nil
	}

	for {
		tbl, err := rd.NextTable()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("table header: %w", err)
		}
		var row slice.Row
		for {
			before := rd.Tell()
			err := rd.NextRow(tbl, &row)
			if err == slice.ErrEndOfTable {
				break
			}
			if err != nil {
				if errors.Is(err, io.ErrUnexpectedEOF) {
					return fmt.Errorf("truncated slice data: %w", err)
				}
				return err
			}
			if rd.Tell() <= before {
				return errors.New("internal error: row parse made no progress")
			}
			vals := make([]interface{}, len(row.Values))
			copy(vals, row.Values)
			batch.Append(tbl.Name, tbl.Columns, vals)
			if int64(batch.Len()) >= atomic.LoadInt64(&im.batchSize) {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return nil
}

// ReleaseAndRecreateSavepoint cycles the bulk savepoint.
func (im *Importer) ReleaseAndRecreateSavepoint() error {
	if err := im.DB.ReleaseSavepoint(); err != nil {
		return err
	}
	return im.DB.CreateSavepoint()
}

// finish delivers the completion exactly once. txOpen
// states whether a transaction (and savepoint) was opened
// for this import.
func (im *Importer) finish(err error, txOpen bool) {
	im.mu.Lock()
	if im.completed {
		im.mu.Unlock()
		return
	}
	im.completed = true
	if im.cancelled {
		err = ErrCancelled
	}
	done := im.done
	handle := im.handle
	stopMem := im.stopMem
	im.done = nil
	im.handle = nil
	im.stopMem = nil
	im.pw = nil
	im.mu.Unlock()

	if err != nil {
		atomic.StoreInt32(&im.failed, 1)
		if handle != nil {
			handle.Cancel()
		}
	}
	if stopMem != nil {
		stopMem()
	}
	if err == nil && txOpen {
		if rerr := im.DB.ReleaseSavepoint(); rerr != nil {
			im.logf("final savepoint release: %s", rerr)
		}
		if cerr := im.DB.Commit(); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}
	if err != nil {
		// Rollback is safe in any state; when a transaction
		// is open it also restores the default pragmas
		im.DB.Rollback()
		im.logf("import failed: %s", err)
	}

	im.mu.Lock()
	im.running = false
	im.mu.Unlock()
	if done != nil {
		done(err)
	}
}
