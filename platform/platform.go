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

// Package platform abstracts the host facilities the sync
// and import engines depend on: HTTP transport, streaming
// downloads, memory-pressure notification, and sizing
// hints derived from the hardware. The default
// implementations target Linux and net/http; embedders on
// other hosts supply their own.
package platform

import (
	"time"
)

// Request is one HTTP request handed to a Transport.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response is the outcome of a Transport request.
// A transport-level failure is reported with StatusCode 0
// and Err set; HTTP error statuses are not transport
// failures.
type Response struct {
	StatusCode int
	Body       []byte
	Err        error
}

// Transport issues HTTP requests asynchronously. fn is
// invoked exactly once, from an unspecified goroutine.
type Transport interface {
	Do(req *Request, fn func(*Response))
}

// DownloadHandle cancels an in-flight download. Cancel is
// idempotent.
type DownloadHandle interface {
	Cancel()
}

// Downloader streams a URL. onChunk is called serially
// with successive body fragments; returning an error
// aborts the download. onDone is called exactly once with
// the terminal status (nil for a complete body). Both
// callbacks run on the downloader's goroutine.
type Downloader interface {
	Download(url string, onChunk func([]byte) error, onDone func(error)) DownloadHandle
}

// MemoryLevel grades memory-pressure notifications.
type MemoryLevel int

const (
	// MemoryWarn means the host is under moderate
	// pressure; consumers should shrink discretionary
	// buffers.
	MemoryWarn MemoryLevel = iota + 1
	// MemoryCritical means the process is at risk of
	// being killed; consumers should shed as much as
	// they can.
	MemoryCritical
)

func (m MemoryLevel) String() string {
	switch m {
	case MemoryWarn:
		return "warn"
	case MemoryCritical:
		return "critical"
	}
	return "unknown"
}

// MemoryWatcher delivers memory-pressure events. The
// returned stop function releases the watch; it is safe to
// call more than once.
type MemoryWatcher interface {
	Watch(fn func(MemoryLevel)) (stop func())
}

// Env bundles the host facilities an engine needs.
type Env struct {
	Transport  Transport
	Downloader Downloader
	Memory     MemoryWatcher
}

// Default returns an Env backed by net/http and the
// Linux memory poller.
func Default() *Env {
	return &Env{
		Transport:  &HTTPTransport{},
		Downloader: &HTTPDownloader{},
		Memory:     &MemoryPoller{},
	}
}
