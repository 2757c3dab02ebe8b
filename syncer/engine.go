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

// Package syncer drives incremental synchronization
// against a remote changes endpoint.
//
// The Engine is an explicit state machine over one cycle:
// pull pages of changes over HTTP, apply each page to the
// local database, hand control to the embedder's push
// provider, and finish when the embedder reports the
// outbound queue drained. Transient HTTP failures retry
// with bounded exponential backoff; 401/403 suspends the
// cycle until a fresh auth token arrives; cancellation
// and shutdown deliver every outstanding completion
// exactly once.
package syncer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SnellerInc/slicedb/platform"
	"github.com/SnellerInc/slicedb/sqlite"
)

// State is the engine's externally observable state.
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateSyncRequested
	StateSyncing
	StateRetryScheduled
	StateAuthRequired
	StateWaitingForQueue
	StateDone
	StateError
)

var stateNames = [...]string{
	"idle", "configured", "sync_requested", "syncing",
	"retry_scheduled", "auth_required", "waiting_for_queue",
	"done", "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Completion reports the outcome of one requested sync
// cycle.
type Completion func(success bool, errorMessage string)

// PushProvider flushes local mutations to the server after
// a successful apply. It must invoke done exactly once.
type PushProvider func(done func(success bool, errorMessage string))

// AuthRequestCallback asks the embedder for a fresh token;
// the embedder answers by calling Engine.SetAuthToken.
type AuthRequestCallback func()

// completion messages for the cancellation paths
const (
	cancelledMessage = "cancelled_for_foreground"
	shutdownMessage  = "sync_engine_shutdown"
)

// Engine runs pull/apply/push cycles. The zero value plus
// a Transport is usable after Configure.
type Engine struct {
	// Transport issues the pull requests.
	Transport platform.Transport
	// DB, if non-nil, receives applied change-sets and
	// seeds the first pull from the stored watermark.
	DB *sqlite.Local
	// Logf, if non-nil, receives diagnostics. It must be
	// safe for concurrent use.
	Logf func(f string, args ...interface{})

	mu         sync.Mutex
	state      State
	configured bool
	cfg        engineConfig
	token      string
	authCb     AuthRequestCallback
	push       PushProvider
	subs       []func(event string)
	shut       bool

	syncID  int64
	cycle   *cycle
	pending *pendingStart
}

// engineConfig is the resolved configuration.
type engineConfig struct {
	url           string
	connectionTag int
	sequenceHint  string
	cursorHint    string
	timeout       time.Duration
	maxRetries    int
	retryInitial  time.Duration
	retryMax      time.Duration
}

// cycle is the state of one in-flight sync cycle.
type cycle struct {
	id        int64
	reason    string
	requestID string
	comps     []Completion
	cursor    string
	attempt   int // 1-based attempt for the current page
	retries   int // consecutive retryable failures
	awaiting  bool
	timer     *time.Timer
}

// pendingStart queues one start issued while a cycle was
// already in flight; later reasons replace earlier ones
// but every completion is retained.
type pendingStart struct {
	reason string
	comps  []Completion
}

func (e *Engine) logf(f string, args ...interface{}) {
	if e.Logf != nil {
		e.Logf(f, args...)
	}
}

// Subscribe registers fn for the engine's event stream.
// Events are JSON object strings delivered in transition
// order; fn runs with the engine lock held and must not
// call back into the engine.
func (e *Engine) Subscribe(fn func(event string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// emit serializes fields and delivers the event; the
// caller holds e.mu so observers see transitions in
// program order.
func (e *Engine) emit(fields map[string]interface{}) {
	buf, err := json.Marshal(fields)
	if err != nil {
		return
	}
	for _, fn := range e.subs {
		fn(string(buf))
	}
}

func (e *Engine) setState(s State) {
	e.state = s
	e.emit(map[string]interface{}{"state": s.String()})
}

// StateJSON returns the current state as a JSON object.
func (e *Engine) StateJSON() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf(`{"state":%q}`, e.state.String())
}

// Configure parses the JSON configuration and moves the
// engine to the configured state.
func (e *Engine) Configure(configJSON string) error {
	var raw struct {
		PullEndpointURL string `json:"pullEndpointUrl"`
		ConnectionTag   int    `json:"connectionTag"`
		SocketIOURL     string `json:"socketioUrl"`
		SequenceID      string `json:"sequenceId"`
		Cursor          string `json:"cursor"`
		TimeoutMs       *int   `json:"timeoutMs"`
		MaxRetries      *int   `json:"maxRetries"`
		RetryInitialMs  *int   `json:"retryInitialMs"`
		RetryMaxMs      *int   `json:"retryMaxMs"`
	}
	if err := json.Unmarshal([]byte(configJSON), &raw); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	if raw.PullEndpointURL == "" {
		return fmt.Errorf("configure: pullEndpointUrl is required")
	}
	if _, err := url.Parse(raw.PullEndpointURL); err != nil {
		return fmt.Errorf("configure: pullEndpointUrl: %w", err)
	}
	if raw.ConnectionTag <= 0 {
		return fmt.Errorf("configure: connectionTag must be positive")
	}
	cfg := engineConfig{
		url:           raw.PullEndpointURL,
		connectionTag: raw.ConnectionTag,
		sequenceHint:  raw.SequenceID,
		cursorHint:    raw.Cursor,
		timeout:       30 * time.Second,
		maxRetries:    3,
		retryInitial:  time.Second,
		retryMax:      30 * time.Second,
	}
	if raw.TimeoutMs != nil {
		cfg.timeout = time.Duration(*raw.TimeoutMs) * time.Millisecond
	}
	if raw.MaxRetries != nil {
		cfg.maxRetries = *raw.MaxRetries
	}
	if raw.RetryInitialMs != nil {
		cfg.retryInitial = time.Duration(*raw.RetryInitialMs) * time.Millisecond
	}
	if raw.RetryMaxMs != nil {
		cfg.retryMax = time.Duration(*raw.RetryMaxMs) * time.Millisecond
	}
	if cfg.retryMax < cfg.retryInitial {
		cfg.retryMax = cfg.retryInitial
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shut {
		return fmt.Errorf("configure: %s", shutdownMessage)
	}
	e.cfg = cfg
	e.configured = true
	if e.cycle == nil {
		e.setState(StateConfigured)
	}
	return nil
}

// SetPushProvider installs the push provider invoked after
// each successful apply.
func (e *Engine) SetPushProvider(p PushProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.push = p
}

// SetAuthRequestCallback installs the token-refresh hook.
func (e *Engine) SetAuthRequestCallback(cb AuthRequestCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.authCb = cb
}

// SetAuthToken installs a bearer token. A cycle suspended
// in auth_required resumes from its cursor; an idle engine
// stuck in auth_required restarts with reason
// "auth_token_updated".
func (e *Engine) SetAuthToken(token string) {
	e.mu.Lock()
	e.token = token
	if e.shut {
		e.mu.Unlock()
		return
	}
	if c := e.cycle; c != nil && c.awaiting {
		c.awaiting = false
		c.retries = 0
		e.setState(StateSyncing)
		e.launchPull(c)
		e.mu.Unlock()
		return
	}
	if e.cycle == nil && e.state == StateAuthRequired && e.configured {
		e.beginCycle("auth_token_updated", nil)
	}
	e.mu.Unlock()
}

// ClearAuthToken removes the bearer token.
func (e *Engine) ClearAuthToken() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.token = ""
}

// Start requests a sync cycle. If one is already running
// the request is queued, not dropped.
func (e *Engine) Start(reason string) {
	e.StartWithCompletion(reason, nil)
}

// StartWithCompletion requests a sync cycle and guarantees
// exactly one completion callback, including through
// cancellation and shutdown.
func (e *Engine) StartWithCompletion(reason string, comp Completion) {
	e.mu.Lock()
	if e.shut {
		e.mu.Unlock()
		if comp != nil {
			comp(false, shutdownMessage)
		}
		return
	}
	if !e.configured {
		e.mu.Unlock()
		if comp != nil {
			comp(false, "not_configured")
		}
		return
	}
	if e.cycle != nil {
		if e.pending == nil {
			e.pending = &pendingStart{}
		}
		e.pending.reason = reason
		if comp != nil {
			e.pending.comps = append(e.pending.comps, comp)
		}
		e.emit(map[string]interface{}{"type": "sync_queued", "reason": reason})
		e.mu.Unlock()
		return
	}
	var comps []Completion
	if comp != nil {
		comps = append(comps, comp)
	}
	e.beginCycle(reason, comps)
	e.mu.Unlock()
}

// beginCycle mints a new cycle; the caller holds e.mu.
func (e *Engine) beginCycle(reason string, comps []Completion) {
	e.syncID++
	c := &cycle{
		id:        e.syncID,
		reason:    reason,
		requestID: uuid.NewString(),
		comps:     comps,
		cursor:    e.cfg.cursorHint,
		attempt:   1,
	}
	e.cycle = c
	e.emit(map[string]interface{}{"type": "sync_start", "reason": reason})
	e.setState(StateSyncRequested)
	e.setState(StateSyncing)
	e.launchPull(c)
}

// launchPull dispatches the next pull attempt; the caller
// holds e.mu.
func (e *Engine) launchPull(c *cycle) {
	e.emit(map[string]interface{}{"type": "phase", "phase": "pull", "attempt": c.attempt})
	go e.doPull(c.id)
}

// pullURL resolves the request URL for one page.
func pullURL(base, cursor, sequence string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if cursor != "" {
		q.Set("cursor", cursor)
	} else if sequence != "" {
		q.Set("sequenceId", sequence)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// doPull builds and issues one pull request. It runs
// without the lock; every step re-validates cycle
// freshness by id.
func (e *Engine) doPull(id int64) {
	e.mu.Lock()
	c := e.cycle
	if c == nil || c.id != id || e.shut {
		e.mu.Unlock()
		return
	}
	needWatermark := c.cursor == "" && e.cfg.sequenceHint == "" && e.DB != nil
	e.mu.Unlock()

	var watermark string
	if needWatermark {
		// read outside the engine lock; the database has
		// its own serialization
		w, err := e.DB.LastSequenceID()
		if err != nil {
			e.logf("reading watermark: %s", err)
		}
		watermark = w
	}

	e.mu.Lock()
	c = e.cycle
	if c == nil || c.id != id || e.shut {
		e.mu.Unlock()
		return
	}
	sequence := e.cfg.sequenceHint
	if sequence == "" {
		sequence = watermark
	}
	target, err := pullURL(e.cfg.url, c.cursor, sequence)
	if err != nil {
		calls := e.fail(c, fmt.Sprintf("bad pull url: %s", err))
		e.mu.Unlock()
		runAll(calls)
		return
	}
	headers := map[string]string{
		"Accept":       "application/json",
		"X-Request-Id": c.requestID,
	}
	if e.token != "" {
		headers["Authorization"] = "Bearer " + e.token
	}
	req := &platform.Request{
		Method:  "GET",
		URL:     target,
		Headers: headers,
		Timeout: e.cfg.timeout,
	}
	transport := e.Transport
	e.mu.Unlock()

	transport.Do(req, func(resp *platform.Response) {
		e.onPullDone(id, resp)
	})
}

// retryable reports whether an HTTP outcome is worth
// retrying: transport errors, timeouts, throttling, and
// server errors.
func retryable(status int) bool {
	return status == 0 || status == 408 || status == 429 ||
		(status >= 500 && status < 600)
}

// onPullDone classifies one pull outcome.
func (e *Engine) onPullDone(id int64, resp *platform.Response) {
	e.mu.Lock()
	c := e.cycle
	if c == nil || c.id != id || e.shut {
		e.mu.Unlock()
		return
	}
	status := resp.StatusCode
	if resp.Err != nil {
		status = 0
	}
	e.emit(map[string]interface{}{"type": "http", "phase": "pull", "status": status})

	switch {
	case status >= 200 && status < 300:
		body := resp.Body
		e.mu.Unlock()
		e.applyPage(id, body)

	case status == 401 || status == 403:
		c.awaiting = true
		e.emit(map[string]interface{}{"type": "auth_required"})
		e.setState(StateAuthRequired)
		cb := e.authCb
		e.mu.Unlock()
		if cb != nil {
			go cb()
		}

	case retryable(status):
		msg := fmt.Sprintf("pull failed with status %d", status)
		if resp.Err != nil {
			msg = fmt.Sprintf("pull failed: %s", resp.Err)
		}
		if c.retries >= e.cfg.maxRetries {
			calls := e.fail(c, msg)
			e.mu.Unlock()
			runAll(calls)
			return
		}
		c.retries++
		c.attempt++
		delay := e.cfg.retryMax
		if shift := c.retries - 1; shift < 30 {
			delay = e.cfg.retryInitial << shift
			if delay > e.cfg.retryMax {
				delay = e.cfg.retryMax
			}
		}
		e.emit(map[string]interface{}{
			"type":    "retry_scheduled",
			"attempt": c.attempt,
			"delayMs": delay.Milliseconds(),
			"message": msg,
		})
		e.setState(StateRetryScheduled)
		c.timer = time.AfterFunc(delay, func() { e.retryFire(id) })
		e.mu.Unlock()

	default:
		calls := e.fail(c, fmt.Sprintf("pull failed with status %d", status))
		e.mu.Unlock()
		runAll(calls)
	}
}

// applyPage applies one page body and advances the cycle.
// It is entered without the lock because applying runs SQL.
func (e *Engine) applyPage(id int64, body []byte) {
	changes, next, err := splitPage(body)
	if err == nil && e.DB != nil && len(changes) > 0 {
		err = Apply(e.DB, changes)
	}

	e.mu.Lock()
	c := e.cycle
	if c == nil || c.id != id || e.shut {
		e.mu.Unlock()
		return
	}
	if err != nil {
		calls := e.fail(c, err.Error())
		e.mu.Unlock()
		runAll(calls)
		return
	}
	if next != "" {
		// another page: same request id, fresh attempt
		// budget, new cursor
		c.cursor = next
		c.attempt = 1
		c.retries = 0
		e.setState(StateSyncing)
		e.launchPull(c)
		e.mu.Unlock()
		return
	}
	e.emit(map[string]interface{}{"type": "drain_queue"})
	e.setState(StateWaitingForQueue)
	push := e.push
	e.mu.Unlock()
	if push != nil {
		push(func(ok bool, msg string) { e.onPushDone(id, ok, msg) })
	}
}

// splitPage splits a pull response into the change array
// and the optional pagination token. A bare JSON array is
// a single page.
func splitPage(body []byte) ([]byte, string, error) {
	var probe struct {
		Changes json.RawMessage `json:"changes"`
		Next    json.RawMessage `json:"next"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, "", fmt.Errorf("decoding pull response: %w", err)
		}
		return trimmed, "", nil
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, "", fmt.Errorf("decoding pull response: %w", err)
	}
	changes := []byte("[]")
	if len(probe.Changes) > 0 && string(probe.Changes) != "null" {
		changes = probe.Changes
	}
	next := bytes.TrimSpace(probe.Next)
	switch {
	case len(next) == 0 || string(next) == "null":
		return changes, "", nil
	case next[0] == '"':
		var s string
		if err := json.Unmarshal(next, &s); err != nil {
			return nil, "", fmt.Errorf("decoding pull cursor: %w", err)
		}
		return changes, s, nil
	default:
		// a structured cursor is carried opaquely in its
		// serialized form
		return changes, string(next), nil
	}
}

// retryFire re-enters the engine when the backoff timer
// expires.
func (e *Engine) retryFire(id int64) {
	e.mu.Lock()
	c := e.cycle
	if c == nil || c.id != id || e.shut {
		e.mu.Unlock()
		return
	}
	c.timer = nil
	e.setState(StateSyncing)
	e.launchPull(c)
	e.mu.Unlock()
}

// onPushDone handles the push provider's verdict.
func (e *Engine) onPushDone(id int64, ok bool, msg string) {
	e.mu.Lock()
	c := e.cycle
	if c == nil || c.id != id || e.shut {
		e.mu.Unlock()
		return
	}
	var calls []func()
	if ok {
		calls = e.succeed(c)
	} else {
		calls = e.fail(c, msg)
	}
	e.mu.Unlock()
	runAll(calls)
}

// NotifyQueueDrained signals that the embedder's outbound
// queue is flushed; a cycle waiting on the queue finishes.
func (e *Engine) NotifyQueueDrained() {
	e.mu.Lock()
	c := e.cycle
	if c == nil || e.state != StateWaitingForQueue {
		e.mu.Unlock()
		return
	}
	calls := e.succeed(c)
	e.mu.Unlock()
	runAll(calls)
}

// CancelSync aborts the in-flight cycle, if any. The
// current and any queued completions are delivered with
// cancelled_for_foreground; stale HTTP responses are
// dropped by the sync id check.
func (e *Engine) CancelSync() {
	e.mu.Lock()
	c := e.cycle
	if c == nil {
		e.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	e.syncID++ // orphan every outstanding callback
	e.emit(map[string]interface{}{"type": "sync_cancelled"})
	comps := c.comps
	if e.pending != nil {
		comps = append(comps, e.pending.comps...)
		e.pending = nil
	}
	e.cycle = nil
	e.state = StateIdle
	e.mu.Unlock()
	for _, comp := range comps {
		comp(false, cancelledMessage)
	}
}

// Shutdown permanently stops the engine. Outstanding and
// queued completions are delivered with
// sync_engine_shutdown; later calls are no-ops except that
// StartWithCompletion still answers.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shut {
		e.mu.Unlock()
		return
	}
	e.shut = true
	var comps []Completion
	if c := e.cycle; c != nil {
		if c.timer != nil {
			c.timer.Stop()
		}
		comps = c.comps
	}
	if e.pending != nil {
		comps = append(comps, e.pending.comps...)
		e.pending = nil
	}
	e.cycle = nil
	e.state = StateIdle
	e.subs = nil
	e.push = nil
	e.authCb = nil
	e.mu.Unlock()
	for _, comp := range comps {
		comp(false, shutdownMessage)
	}
}

// succeed finishes the cycle as done; the caller holds
// e.mu and must run the returned calls after unlocking.
func (e *Engine) succeed(c *cycle) []func() {
	e.setState(StateDone)
	return e.finish(c, true, "")
}

// fail finishes the cycle as an error; the caller holds
// e.mu and must run the returned calls after unlocking.
func (e *Engine) fail(c *cycle, msg string) []func() {
	e.emit(map[string]interface{}{"type": "error", "message": msg})
	e.setState(StateError)
	e.logf("sync cycle %d failed: %s", c.id, msg)
	return e.finish(c, false, msg)
}

// finish tears down the cycle, returns the completion
// thunks, and starts any queued cycle.
func (e *Engine) finish(c *cycle, success bool, msg string) []func() {
	comps := c.comps
	e.cycle = nil
	e.state = StateIdle
	calls := make([]func(), 0, len(comps))
	for _, comp := range comps {
		comp := comp
		calls = append(calls, func() { comp(success, msg) })
	}
	if p := e.pending; p != nil {
		e.pending = nil
		e.beginCycle(p.reason, p.comps)
	}
	return calls
}

func runAll(calls []func()) {
	for _, f := range calls {
		f()
	}
}
