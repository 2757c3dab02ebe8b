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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// HTTPTransport is the default Transport over net/http.
type HTTPTransport struct {
	// Client is the underlying client; nil means
	// http.DefaultClient. Per-request timeouts are
	// applied with a context, so Client.Timeout can
	// stay zero.
	Client *http.Client
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

// Do issues req on a new goroutine and invokes fn with
// the outcome.
func (t *HTTPTransport) Do(req *Request, fn func(*Response)) {
	go func() {
		fn(t.do(req))
	}()
}

func (t *HTTPTransport) do(req *Request) *Response {
	ctx := context.Background()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return &Response{Err: err}
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}
	res, err := t.client().Do(hr)
	if err != nil {
		return &Response{Err: err}
	}
	defer res.Body.Close()
	buf, err := io.ReadAll(res.Body)
	if err != nil {
		return &Response{Err: err}
	}
	return &Response{StatusCode: res.StatusCode, Body: buf}
}

// HTTPDownloader is the default Downloader over net/http.
type HTTPDownloader struct {
	// Client is the underlying client; nil means
	// http.DefaultClient. Downloads are unbounded in
	// time, so the client should not set Timeout.
	Client *http.Client
	// ChunkSize is the read granularity; zero means
	// 64 KiB.
	ChunkSize int
}

type httpDownload struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (d *httpDownload) Cancel() {
	d.once.Do(d.cancel)
}

// Download streams url, invoking onChunk with successive
// fragments and onDone exactly once.
func (d *HTTPDownloader) Download(url string, onChunk func([]byte) error, onDone func(error)) DownloadHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &httpDownload{cancel: cancel}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	size := d.ChunkSize
	if size <= 0 {
		size = 64 << 10
	}
	go func() {
		defer cancel()
		onDone(d.run(ctx, client, url, size, onChunk))
	}()
	return h
}

func (d *HTTPDownloader) run(ctx context.Context, client *http.Client, url string, size int, onChunk func([]byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return &DownloadError{URL: url, StatusCode: res.StatusCode}
	}
	buf := make([]byte, size)
	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			if cerr := onChunk(buf[:n]); cerr != nil {
				return cerr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// DownloadError reports a non-200 download response.
type DownloadError struct {
	URL        string
	StatusCode int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("downloading %s: unexpected status %d", e.URL, e.StatusCode)
}
