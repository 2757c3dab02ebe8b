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

import "sync"

// ScopedPushOverride temporarily replaces the engine's
// push provider. Background work that must not push (for
// example a cycle run while the app is backgrounded)
// installs an override and defers Restore; the original
// provider comes back on every exit path.
type ScopedPushOverride struct {
	e    *Engine
	prev PushProvider
	once sync.Once
}

// OverridePush swaps in p and returns the handle that
// restores the previous provider.
func (e *Engine) OverridePush(p PushProvider) *ScopedPushOverride {
	e.mu.Lock()
	prev := e.push
	e.push = p
	e.mu.Unlock()
	return &ScopedPushOverride{e: e, prev: prev}
}

// Restore reinstates the provider that was active when the
// override was taken. It is idempotent, and it is a no-op
// after engine shutdown.
func (s *ScopedPushOverride) Restore() {
	s.once.Do(func() {
		s.e.mu.Lock()
		if !s.e.shut {
			s.e.push = s.prev
		}
		s.e.mu.Unlock()
	})
}
