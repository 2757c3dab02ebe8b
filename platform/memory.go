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

package platform

import (
	"runtime"
	"sync"
	"time"
)

// MemoryPoller is the default MemoryWatcher. It samples
// system memory availability on an interval and reports
// level transitions. Repeated samples at the same level
// are not re-delivered; a recovery to normal is silent
// (consumers only ever shrink).
type MemoryPoller struct {
	// Interval is the sampling period; zero means 2s.
	Interval time.Duration
}

// Watch starts a sampling goroutine; stop terminates it.
func (p *MemoryPoller) Watch(fn func(MemoryLevel)) (stop func()) {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		var last MemoryLevel
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				lvl := pressureLevel()
				if lvl > last {
					fn(lvl)
				}
				last = lvl
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// batch sizing bounds; the cap matches the import
// engine's savepoint interval so one batch never spans
// more than one savepoint cycle.
const (
	minBatchSize = 500
	maxBatchSize = 10000
)

// OptimalBatchSize derives a conservative initial import
// batch size from physical RAM and CPU count. Hosts with
// unknown RAM get the minimum.
func OptimalBatchSize() int {
	ram := totalRAM()
	if ram <= 0 {
		return minBatchSize
	}
	// one batch slot per MiB of RAM, split across cores,
	// so a 4 GiB / 4 core device lands at 1024 rows
	size := int(ram / (1 << 20) / int64(runtime.NumCPU()))
	if size < minBatchSize {
		size = minBatchSize
	}
	if size > maxBatchSize {
		size = maxBatchSize
	}
	return size
}
