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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestSSETransportFraming(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/quotes", nil)

	uut, err := GetSSETransport(rec, req, time.Second*30)
	assert.Nil(err)

	// Case 0: support headers and retry hint sent on open
	assert.Equal("text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal("no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal("retry: 30000\n\n", rec.Body.String())
	rec.Body.Reset()

	// Case 1: event with id
	assert.Nil(uut.WriteEvent(
		"connected", map[string]string{"session_id": "abc"}, "abc",
	))
	assert.Equal(
		"event: connected\nid: abc\ndata: {\"session_id\":\"abc\"}\n\n",
		rec.Body.String(),
	)
	rec.Body.Reset()

	// Case 2: event without id
	assert.Nil(uut.WriteEvent("heartbeat", map[string]bool{"alive": true}, ""))
	assert.Equal("event: heartbeat\ndata: {\"alive\":true}\n\n", rec.Body.String())
	rec.Body.Reset()

	// Case 3: raw payload passes through without re-encoding
	raw := json.RawMessage(`{"bid":101.25,"ask":101.5}`)
	assert.Nil(uut.WriteEvent("update", raw, "7"))
	assert.Equal(
		"event: update\nid: 7\ndata: {\"bid\":101.25,\"ask\":101.5}\n\n",
		rec.Body.String(),
	)

	// Case 4: no writes accepted after close
	assert.Nil(uut.Close())
	assert.NotNil(uut.WriteEvent("update", raw, ""))
	assert.Nil(uut.Close())

	// Done fired by close
	select {
	case <-uut.Done():
	default:
		assert.FailNow("done signal not fired on close")
	}
	assert.Nil(uut.Err())
}

func TestSSETransportClientDisconnect(t *testing.T) {
	assert := assert.New(t)

	rec := httptest.NewRecorder()
	reqCtxt, reqCancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/quotes", nil).WithContext(reqCtxt)

	uut, err := GetSSETransport(rec, req, time.Second*30)
	assert.Nil(err)

	// Request context cancel must surface through the done signal
	reqCancel()
	select {
	case <-uut.Done():
	case <-time.After(time.Second):
		assert.FailNow("done signal not fired on client disconnect")
	}
	// A disconnect is not a transport error
	assert.Nil(uut.Err())
}
