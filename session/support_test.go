// Copyright 2022 The tickstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// writtenEvent one event captured by the mock transport
type writtenEvent struct {
	name    string
	payload interface{}
	id      string
}

// mockTransport in-memory Transport capturing written events
type mockTransport struct {
	lock      sync.Mutex
	events    chan writtenEvent
	done      chan struct{}
	doneOnce  sync.Once
	writeErr  error
	closed    bool
	failWrite bool
	closes    int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events: make(chan writtenEvent, 64),
		done:   make(chan struct{}),
	}
}

func (t *mockTransport) WriteEvent(name string, payload interface{}, id string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return fmt.Errorf("transport already closed")
	}
	if t.failWrite {
		err := fmt.Errorf("simulated write failure")
		t.writeErr = err
		t.doneOnce.Do(func() { close(t.done) })
		return err
	}
	t.events <- writtenEvent{name: name, payload: payload, id: id}
	return nil
}

func (t *mockTransport) Done() <-chan struct{} {
	return t.done
}

func (t *mockTransport) Err() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.writeErr
}

func (t *mockTransport) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closed = true
	t.closes++
	t.doneOnce.Do(func() { close(t.done) })
	return nil
}

// disconnect simulate a client-side disconnect
func (t *mockTransport) disconnect() {
	t.doneOnce.Do(func() { close(t.done) })
}

// breakWrites make all future writes fail
func (t *mockTransport) breakWrites() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.failWrite = true
}

// nextEvent wait for the next captured event
func (t *mockTransport) nextEvent(tb testing.TB, timeout time.Duration) writtenEvent {
	tb.Helper()
	select {
	case event := <-t.events:
		return event
	case <-time.After(timeout):
		tb.Fatalf("no event within %s", timeout)
		return writtenEvent{}
	}
}

// defaultTestParams registry params mirroring the production defaults
func defaultTestParams() RegistryParams {
	return RegistryParams{
		MaxSessions:           1000,
		IdleTimeout:           time.Minute * 30,
		BaseUpdateInterval:    time.Millisecond * 30000,
		BaseHeartbeatInterval: time.Millisecond * 10000,
	}
}

// newTestRegistry define a registry for testing
func newTestRegistry(
	tb testing.TB, ctxt context.Context, params RegistryParams,
) Registry {
	tb.Helper()
	uut, err := GetRegistry(ctxt, params)
	if err != nil {
		tb.Fatalf("unable to define registry: %s", err)
	}
	return uut
}

// checkOwnerIndexInvariant the union of all owner index sets must equal the
// session table, with no session listed under two owners
func checkOwnerIndexInvariant(tb testing.TB, uut Registry) {
	tb.Helper()
	impl, ok := uut.(*registryImpl)
	if !ok {
		tb.Fatal("registry is not registryImpl")
	}
	impl.lock.Lock()
	defer impl.lock.Unlock()
	seen := make(map[string]string)
	total := 0
	for owner, owned := range impl.byOwner {
		for id := range owned {
			if prior, dup := seen[id]; dup {
				tb.Fatalf("session %s indexed under both %s and %s", id, prior, owner)
			}
			seen[id] = owner
			stored, present := impl.sessions[id]
			if !present {
				tb.Fatalf("owner %s index references missing session %s", owner, id)
			}
			if stored.OwnerID != owner {
				tb.Fatalf("session %s indexed under %s but owned by %s", id, owner, stored.OwnerID)
			}
			total++
		}
	}
	if total != len(impl.sessions) {
		tb.Fatalf("owner index holds %d sessions, table holds %d", total, len(impl.sessions))
	}
}
