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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SnellerInc/slicedb/platform"
)

// stubTransport answers requests from a scripted handler
// and records everything it saw.
type stubTransport struct {
	mu      sync.Mutex
	reqs    []*platform.Request
	handler func(n int, req *platform.Request) *platform.Response
}

func (s *stubTransport) Do(req *platform.Request, fn func(*platform.Response)) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	n := len(s.reqs)
	h := s.handler
	s.mu.Unlock()
	fn(h(n, req))
}

func (s *stubTransport) requests() []*platform.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*platform.Request(nil), s.reqs...)
}

// recorder captures the engine event stream.
type recorder struct {
	mu     sync.Mutex
	events []string
	ch     chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 128)}
}

func (r *recorder) record(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// await blocks until an event containing substr was
// observed (including events recorded before the call).
func (r *recorder) await(t *testing.T, substr string) {
	t.Helper()
	r.awaitCount(t, substr, 1)
}

// awaitCount blocks until substr has been observed in at
// least count events.
func (r *recorder) awaitCount(t *testing.T, substr string, count int) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	seen, matched := 0, 0
	for {
		r.mu.Lock()
		for ; seen < len(r.events); seen++ {
			if strings.Contains(r.events[seen], substr) {
				matched++
				if matched >= count {
					r.mu.Unlock()
					return
				}
			}
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-time.After(10 * time.Millisecond):
			// re-scan; the notify channel is lossy
		case <-deadline:
			t.Fatalf("timed out waiting for %d of event %q; got %v", count, substr, r.all())
		}
	}
}

func (r *recorder) contains(substr string) bool {
	for _, ev := range r.all() {
		if strings.Contains(ev, substr) {
			return true
		}
	}
	return false
}

type completionResult struct {
	ok  bool
	msg string
}

func completionChan() (Completion, chan completionResult) {
	ch := make(chan completionResult, 4)
	return func(ok bool, msg string) {
		ch <- completionResult{ok, msg}
	}, ch
}

func awaitCompletion(t *testing.T, ch chan completionResult) completionResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("completion did not fire")
		return completionResult{}
	}
}

func newTestEngine(t *testing.T, st *stubTransport, config string) (*Engine, *recorder) {
	t.Helper()
	e := &Engine{Transport: st, Logf: t.Logf}
	rec := newRecorder()
	e.Subscribe(rec.record)
	if config == "" {
		config = `{"pullEndpointUrl":"https://x/pull","connectionTag":1}`
	}
	if err := e.Configure(config); err != nil {
		t.Fatal(err)
	}
	return e, rec
}

func ok200(body string) func(int, *platform.Request) *platform.Response {
	return func(int, *platform.Request) *platform.Response {
		return &platform.Response{StatusCode: 200, Body: []byte(body)}
	}
}

func TestEmptyPull(t *testing.T) {
	st := &stubTransport{handler: ok200("[]")}
	e, rec := newTestEngine(t, st, "")
	comp, ch := completionChan()
	e.StartWithCompletion("manual", comp)

	rec.await(t, `"drain_queue"`)
	e.NotifyQueueDrained()
	res := awaitCompletion(t, ch)
	if !res.ok || res.msg != "" {
		t.Fatalf("completion = %+v", res)
	}
	for _, want := range []string{
		`"state":"sync_requested"`,
		`"type":"sync_start"`,
		`"phase":"pull"`,
		`"status":200`,
		`"type":"drain_queue"`,
		`"state":"done"`,
	} {
		if !rec.contains(want) {
			t.Fatalf("missing event %s in %v", want, rec.all())
		}
	}
	reqs := st.requests()
	if len(reqs) != 1 {
		t.Fatalf("%d requests", len(reqs))
	}
	if reqs[0].Headers["Accept"] != "application/json" {
		t.Fatal("missing Accept header")
	}
	if reqs[0].Headers["X-Request-Id"] == "" {
		t.Fatal("missing X-Request-Id header")
	}
	if !strings.Contains(e.StateJSON(), `"state":"idle"`) {
		t.Fatalf("end state %s", e.StateJSON())
	}
}

func TestRetryThenSuccess(t *testing.T) {
	st := &stubTransport{handler: func(n int, _ *platform.Request) *platform.Response {
		if n == 1 {
			return &platform.Response{StatusCode: 500, Body: []byte("boom")}
		}
		return &platform.Response{StatusCode: 200, Body: []byte("[]")}
	}}
	cfg := `{"pullEndpointUrl":"https://x/pull","connectionTag":1,
		"maxRetries":1,"retryInitialMs":0,"retryMaxMs":0}`
	e, rec := newTestEngine(t, st, cfg)
	comp, ch := completionChan()
	e.StartWithCompletion("manual", comp)

	rec.await(t, `"drain_queue"`)
	e.NotifyQueueDrained()
	res := awaitCompletion(t, ch)
	if !res.ok {
		t.Fatalf("completion = %+v", res)
	}
	if !rec.contains(`"type":"retry_scheduled"`) || !rec.contains(`"attempt":2`) {
		t.Fatalf("missing retry events: %v", rec.all())
	}
	if !rec.contains(`"delayMs":0`) {
		t.Fatalf("expected zero delay: %v", rec.all())
	}
	reqs := st.requests()
	if len(reqs) != 2 {
		t.Fatalf("%d requests", len(reqs))
	}
	if reqs[0].Headers["X-Request-Id"] != reqs[1].Headers["X-Request-Id"] {
		t.Fatal("request id changed across retries")
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	st := &stubTransport{handler: func(int, *platform.Request) *platform.Response {
		return &platform.Response{StatusCode: 503}
	}}
	cfg := `{"pullEndpointUrl":"https://x/pull","connectionTag":1,
		"maxRetries":2,"retryInitialMs":0,"retryMaxMs":0}`
	e, rec := newTestEngine(t, st, cfg)
	comp, ch := completionChan()
	e.StartWithCompletion("manual", comp)

	res := awaitCompletion(t, ch)
	if res.ok {
		t.Fatal("expected failure")
	}
	if !rec.contains(`"state":"error"`) {
		t.Fatalf("missing error state: %v", rec.all())
	}
	if got := len(st.requests()); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if !strings.Contains(e.StateJSON(), "idle") {
		t.Fatalf("end state %s", e.StateJSON())
	}
}

func TestFatalStatus(t *testing.T) {
	st := &stubTransport{handler: func(int, *platform.Request) *platform.Response {
		return &platform.Response{StatusCode: 404}
	}}
	e, rec := newTestEngine(t, st, "")
	comp, ch := completionChan()
	e.StartWithCompletion("manual", comp)
	res := awaitCompletion(t, ch)
	if res.ok {
		t.Fatal("expected failure")
	}
	if len(st.requests()) != 1 {
		t.Fatal("404 must not retry")
	}
	if !rec.contains(`"type":"error"`) {
		t.Fatalf("missing error event: %v", rec.all())
	}
}

func TestAuthRefreshAcrossPagination(t *testing.T) {
	st := &stubTransport{}
	st.handler = func(n int, req *platform.Request) *platform.Response {
		switch n {
		case 1:
			return &platform.Response{StatusCode: 200,
				Body: []byte(`{"changes":[],"next":"cursor-token"}`)}
		case 2:
			return &platform.Response{StatusCode: 401}
		default:
			return &platform.Response{StatusCode: 200,
				Body: []byte(`{"changes":[],"next":null}`)}
		}
	}
	e, rec := newTestEngine(t, st, "")
	e.SetAuthToken("token-1")
	e.SetAuthRequestCallback(func() { e.SetAuthToken("token-2") })
	comp, ch := completionChan()
	e.StartWithCompletion("manual", comp)

	rec.await(t, `"drain_queue"`)
	e.NotifyQueueDrained()
	res := awaitCompletion(t, ch)
	if !res.ok {
		t.Fatalf("completion = %+v", res)
	}
	if !rec.contains(`"type":"auth_required"`) {
		t.Fatalf("missing auth_required: %v", rec.all())
	}
	reqs := st.requests()
	if len(reqs) != 3 {
		t.Fatalf("%d requests", len(reqs))
	}
	if reqs[0].Headers["Authorization"] != "Bearer token-1" {
		t.Fatalf("first auth header %q", reqs[0].Headers["Authorization"])
	}
	if reqs[2].Headers["Authorization"] != "Bearer token-2" {
		t.Fatalf("resumed auth header %q", reqs[2].Headers["Authorization"])
	}
	if !strings.Contains(reqs[2].URL, "cursor=cursor-token") {
		t.Fatalf("resumed pull lost the cursor: %s", reqs[2].URL)
	}
	id := reqs[0].Headers["X-Request-Id"]
	if reqs[1].Headers["X-Request-Id"] != id || reqs[2].Headers["X-Request-Id"] != id {
		t.Fatal("request id changed across the cycle")
	}
	if strings.Contains(reqs[0].URL, "cursor=") {
		t.Fatalf("first pull should not carry a cursor: %s", reqs[0].URL)
	}
}

func TestCancelDuringPush(t *testing.T) {
	st := &stubTransport{handler: ok200("[]")}
	e, rec := newTestEngine(t, st, "")

	// the original provider completes immediately
	e.SetPushProvider(func(done func(bool, string)) { done(true, "") })

	// hold the push: simulates a foreground cancel racing
	// a slow background flush
	pushed := make(chan struct{}, 1)
	override := e.OverridePush(func(done func(bool, string)) {
		pushed <- struct{}{}
	})

	comp, ch := completionChan()
	e.StartWithCompletion("background", comp)
	<-pushed
	e.CancelSync()
	res := awaitCompletion(t, ch)
	if res.ok || res.msg != "cancelled_for_foreground" {
		t.Fatalf("completion = %+v", res)
	}
	if !strings.Contains(e.StateJSON(), `"state":"idle"`) {
		t.Fatalf("state after cancel %s", e.StateJSON())
	}
	if rec.contains(`"state":"done"`) {
		t.Fatalf("cancelled cycle claimed done: %v", rec.all())
	}

	// restore and run a clean foreground cycle
	override.Restore()
	comp2, ch2 := completionChan()
	e.StartWithCompletion("foreground", comp2)
	res2 := awaitCompletion(t, ch2)
	if !res2.ok {
		t.Fatalf("restored cycle failed: %+v", res2)
	}
	if !rec.contains(`"state":"done"`) {
		t.Fatalf("missing done state: %v", rec.all())
	}
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	st := &stubTransport{handler: ok200("[]")}
	e, rec := newTestEngine(t, st, "")
	e.CancelSync()
	if rec.contains("sync_cancelled") {
		t.Fatal("cancel on idle emitted events")
	}
}

func TestQueuedStart(t *testing.T) {
	gate := make(chan struct{})
	var once sync.Once
	st := &stubTransport{handler: func(n int, _ *platform.Request) *platform.Response {
		if n == 1 {
			<-gate
		}
		return &platform.Response{StatusCode: 200, Body: []byte("[]")}
	}}
	e, rec := newTestEngine(t, st, "")
	e.SetPushProvider(func(done func(bool, string)) { done(true, "") })

	comp1, ch1 := completionChan()
	comp2, ch2 := completionChan()
	e.StartWithCompletion("first", comp1)
	e.StartWithCompletion("second", comp2)
	if !rec.contains(`"type":"sync_queued"`) {
		t.Fatalf("second start was not queued: %v", rec.all())
	}
	once.Do(func() { close(gate) })

	res1 := awaitCompletion(t, ch1)
	res2 := awaitCompletion(t, ch2)
	if !res1.ok || !res2.ok {
		t.Fatalf("completions %+v %+v", res1, res2)
	}
	if got := len(st.requests()); got != 2 {
		t.Fatalf("%d pulls for two cycles", got)
	}
	reqs := st.requests()
	if reqs[0].Headers["X-Request-Id"] == reqs[1].Headers["X-Request-Id"] {
		t.Fatal("queued cycle reused the request id")
	}
}

func TestCancelDeliversQueuedCompletion(t *testing.T) {
	gate := make(chan struct{})
	st := &stubTransport{handler: func(n int, _ *platform.Request) *platform.Response {
		<-gate
		return &platform.Response{StatusCode: 200, Body: []byte("[]")}
	}}
	e, _ := newTestEngine(t, st, "")
	comp1, ch1 := completionChan()
	comp2, ch2 := completionChan()
	e.StartWithCompletion("first", comp1)
	e.StartWithCompletion("second", comp2)
	e.CancelSync()
	close(gate)
	res1 := awaitCompletion(t, ch1)
	res2 := awaitCompletion(t, ch2)
	for _, res := range []completionResult{res1, res2} {
		if res.ok || res.msg != "cancelled_for_foreground" {
			t.Fatalf("completion = %+v", res)
		}
	}
}

func TestShutdown(t *testing.T) {
	gate := make(chan struct{})
	st := &stubTransport{handler: func(int, *platform.Request) *platform.Response {
		<-gate
		return &platform.Response{StatusCode: 200, Body: []byte("[]")}
	}}
	e, _ := newTestEngine(t, st, "")
	comp, ch := completionChan()
	e.StartWithCompletion("manual", comp)
	e.Shutdown()
	close(gate)
	res := awaitCompletion(t, ch)
	if res.ok || res.msg != "sync_engine_shutdown" {
		t.Fatalf("completion = %+v", res)
	}

	// the engine is terminal, but completions still answer
	comp2, ch2 := completionChan()
	e.StartWithCompletion("again", comp2)
	res2 := awaitCompletion(t, ch2)
	if res2.ok || res2.msg != "sync_engine_shutdown" {
		t.Fatalf("post-shutdown completion = %+v", res2)
	}
}

func TestEngineAppliesToDatabase(t *testing.T) {
	db := openTestDB(t)
	st := &stubTransport{handler: func(n int, _ *platform.Request) *platform.Response {
		if n == 1 {
			return &platform.Response{StatusCode: 200, Body: []byte(
				`[{"table":"tasks","row":{"id":"t1","name":"remote"},"sequenceId":"01S"}]`)}
		}
		return &platform.Response{StatusCode: 200, Body: []byte("[]")}
	}}
	e := &Engine{Transport: st, DB: db, Logf: t.Logf}
	rec := newRecorder()
	e.Subscribe(rec.record)
	if err := e.Configure(`{"pullEndpointUrl":"https://x/pull","connectionTag":1}`); err != nil {
		t.Fatal(err)
	}
	comp, ch := completionChan()
	e.StartWithCompletion("manual", comp)
	rec.await(t, `"drain_queue"`)
	e.NotifyQueueDrained()
	if res := awaitCompletion(t, ch); !res.ok {
		t.Fatalf("completion %+v", res)
	}
	if got := taskNames(t, db); got["t1"] != "remote" {
		t.Fatalf("apply did not run: %v", got)
	}
	if w := watermark(t, db); w != "01S" {
		t.Fatalf("watermark %q", w)
	}

	// the next cycle seeds its pull from the watermark
	comp2, ch2 := completionChan()
	e.StartWithCompletion("second", comp2)
	rec.await(t, `"reason":"second"`)
	rec.awaitCount(t, `"drain_queue"`, 2)
	e.NotifyQueueDrained()
	if res := awaitCompletion(t, ch2); !res.ok {
		t.Fatalf("completion %+v", res)
	}
	reqs := st.requests()
	if len(reqs) != 2 {
		t.Fatalf("%d requests", len(reqs))
	}
	if !strings.Contains(reqs[1].URL, "sequenceId=01S") {
		t.Fatalf("second pull did not carry the watermark: %s", reqs[1].URL)
	}
}

func TestStructuredCursor(t *testing.T) {
	st := &stubTransport{handler: func(n int, req *platform.Request) *platform.Response {
		if n == 1 {
			return &platform.Response{StatusCode: 200,
				Body: []byte(`{"changes":[],"next":{"page":2,"shard":"a"}}`)}
		}
		return &platform.Response{StatusCode: 200, Body: []byte(`{"changes":[],"next":null}`)}
	}}
	e, rec := newTestEngine(t, st, "")
	comp, ch := completionChan()
	e.StartWithCompletion("manual", comp)
	rec.await(t, `"drain_queue"`)
	e.NotifyQueueDrained()
	if res := awaitCompletion(t, ch); !res.ok {
		t.Fatalf("completion %+v", res)
	}
	reqs := st.requests()
	if len(reqs) != 2 {
		t.Fatalf("%d requests", len(reqs))
	}
	// the structured token rides urlencoded in the query
	if !strings.Contains(reqs[1].URL, "cursor=") ||
		!strings.Contains(reqs[1].URL, "%22shard%22%3A%22a%22") {
		t.Fatalf("bad cursor encoding: %s", reqs[1].URL)
	}
}

func TestConfigureValidation(t *testing.T) {
	e := &Engine{Transport: &stubTransport{handler: ok200("[]")}}
	if err := e.Configure(`{}`); err == nil {
		t.Fatal("missing url should fail")
	}
	if err := e.Configure(`{"pullEndpointUrl":"https://x/pull"}`); err == nil {
		t.Fatal("missing connectionTag should fail")
	}
	if err := e.Configure(`{"pullEndpointUrl":"https://x/pull","connectionTag":1}`); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(e.StateJSON(), "configured") {
		t.Fatalf("state %s", e.StateJSON())
	}
}
