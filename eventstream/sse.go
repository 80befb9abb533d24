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

package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// sseTransport implements Transport against a server-send event HTTP response.
//
// Wire framing: a single "retry: <ms>" hint line on open, then one block per
// event of the form
//
//	event: <name>
//	id: <id>        (omitted when no id given)
//	data: <payload>
//
// terminated by a blank line and flushed immediately.
type sseTransport struct {
	goutils.Component
	lock     sync.Mutex
	resp     http.ResponseWriter
	flusher  http.Flusher
	done     chan struct{}
	doneOnce sync.Once
	closed   bool
	writeErr error
}

// GetSSETransport define a SSE Transport against a HTTP request's response stream.
//
// Sends the SSE support headers and the retry hint line before returning. The
// transport signals Done when the client disconnects or on Close.
func GetSSETransport(
	w http.ResponseWriter, r *http.Request, retryHint time.Duration,
) (Transport, error) {
	logTags := log.Fields{
		"module":    "eventstream",
		"component": "sse-transport",
		"instance":  r.RemoteAddr,
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		err := fmt.Errorf("response writer does not support streaming")
		log.WithError(err).WithFields(logTags).Error("Unable to define SSE transport")
		return nil, err
	}

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	instance := &sseTransport{
		Component: goutils.Component{LogTags: logTags},
		resp:      w,
		flusher:   flusher,
		done:      make(chan struct{}),
	}

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", retryHint.Milliseconds()); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send retry hint")
		instance.markDone(err)
		return nil, err
	}
	flusher.Flush()

	// Propagate client disconnect into the done signal
	go instance.watchRequest(r.Context())

	return instance, nil
}

// watchRequest waits on request context cancel or transport close
func (t *sseTransport) watchRequest(reqCtxt context.Context) {
	select {
	case <-reqCtxt.Done():
		t.markDone(nil)
	case <-t.done:
	}
}

// markDone records the first failure and fires the done signal exactly once
func (t *sseTransport) markDone(err error) {
	t.doneOnce.Do(func() {
		if err != nil {
			t.writeErr = err
		}
		close(t.done)
	})
}

// WriteEvent deliver one named event block to the client
func (t *sseTransport) WriteEvent(name string, payload interface{}, id string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return fmt.Errorf("transport already closed")
	}
	select {
	case <-t.done:
		return fmt.Errorf("transport no longer usable")
	default:
	}

	var serialized []byte
	switch data := payload.(type) {
	case json.RawMessage:
		serialized = data
	case []byte:
		serialized = data
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		serialized = encoded
	}

	block := fmt.Sprintf("event: %s\n", name)
	if id != "" {
		block += fmt.Sprintf("id: %s\n", id)
	}
	block += fmt.Sprintf("data: %s\n\n", serialized)

	written, err := fmt.Fprint(t.resp, block)
	t.flusher.Flush()
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to transmit event %s", name)
		t.markDone(err)
		return err
	}
	log.WithFields(t.LogTags).Debugf("Written %dB", written)
	return nil
}

// Err reports the first write failure seen
func (t *sseTransport) Err() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.writeErr
}

// Done signals the transport is no longer usable
func (t *sseTransport) Done() <-chan struct{} {
	return t.done
}

// Close release the transport. Safe to call more than once.
func (t *sseTransport) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.markDone(nil)
	// final flush so the client sees everything sent so far
	t.flusher.Flush()
	return nil
}
