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
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// fastTestParams registry params with intervals short enough to tick in tests
func fastTestParams() RegistryParams {
	return RegistryParams{
		MaxSessions:           1000,
		IdleTimeout:           time.Minute * 30,
		BaseUpdateInterval:    time.Millisecond * 60,
		BaseHeartbeatInterval: time.Millisecond * 400,
	}
}

// runDriver start the driver on its own goroutine, as the stream endpoint does
func runDriver(
	tb testing.TB, registry Registry, s *Session, producer DataProducer,
) chan struct{} {
	tb.Helper()
	uut, err := GetDriver(registry, s, producer)
	if err != nil {
		tb.Fatalf("unable to define driver: %s", err)
	}
	complete := make(chan struct{})
	go func() {
		uut.Run()
		close(complete)
	}()
	return complete
}

func waitDriverExit(tb testing.TB, complete chan struct{}) {
	tb.Helper()
	select {
	case <-complete:
	case <-time.After(time.Second * 5):
		tb.Fatal("driver did not exit in time")
	}
}

func TestDriverDeliveryLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	uut := newTestRegistry(t, utCtxt, fastTestParams())

	transport := newMockTransport()
	// Premium halves the base intervals: updates every 30ms here
	admitted, err := uut.Admit(
		"u1", TierPremium, "quotes", map[string]string{"symbol": "AAPL"}, transport,
	)
	assert.Nil(err)

	producerCalls := 0
	var producerLock sync.Mutex
	producer := func(ctxt context.Context, params map[string]string) (json.RawMessage, error) {
		producerLock.Lock()
		defer producerLock.Unlock()
		producerCalls++
		assert.Equal("AAPL", params["symbol"])
		return json.RawMessage(fmt.Sprintf(`{"price":%d}`, 100+producerCalls)), nil
	}

	complete := runDriver(t, uut, admitted, producer)

	// Case 0: the connected event comes first, carrying the session ID and
	// the tier-scaled intervals
	connected := transport.nextEvent(t, time.Second)
	assert.Equal(EventConnected, connected.name)
	assert.Equal(admitted.ID, connected.id)
	announce, ok := connected.payload.(ConnectedEvent)
	assert.True(ok)
	assert.Equal(TierPremium, announce.Tier)
	assert.Equal(int64(30), announce.UpdateIntervalMS)
	assert.Equal(int64(200), announce.HeartbeatIntervalMS)

	// Case 1: updates arrive with monotonically increasing event IDs
	seen := 0
	for seen < 3 {
		event := transport.nextEvent(t, time.Second)
		if event.name != EventUpdate {
			assert.Equal(EventHeartbeat, event.name)
			continue
		}
		seen++
		assert.Equal(fmt.Sprintf("%d", seen), event.id)
		assert.Equal(json.RawMessage(fmt.Sprintf(`{"price":%d}`, 100+seen)), event.payload)
	}

	// Case 2: each delivery was recorded against the session
	var finalSnapshot SessionSnapshot
	uut.AddListener(func(event LifecycleEvent) {
		if event.Type == SessionEvicted {
			finalSnapshot = event.Session
		}
	})
	// Give the driver time to record the last observed delivery
	time.Sleep(time.Millisecond * 100)
	uut.Evict(admitted.ID, ReasonMaintenance)
	waitDriverExit(t, complete)
	assert.GreaterOrEqual(finalSnapshot.DeliveredCount, uint64(3))
}

func TestDriverProducerFailureIsTransient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	params := fastTestParams()
	params.BaseHeartbeatInterval = time.Second * 10
	uut := newTestRegistry(t, utCtxt, params)

	transport := newMockTransport()
	admitted, err := uut.Admit("u1", TierPro, "quotes", nil, transport)
	assert.Nil(err)

	var finalSnapshot SessionSnapshot
	uut.AddListener(func(event LifecycleEvent) {
		if event.Type == SessionEvicted {
			finalSnapshot = event.Session
		}
	})

	producerCalls := 0
	var producerLock sync.Mutex
	producer := func(ctxt context.Context, params map[string]string) (json.RawMessage, error) {
		producerLock.Lock()
		producerCalls++
		calls := producerCalls
		producerLock.Unlock()
		switch calls {
		case 1:
			return nil, fmt.Errorf("upstream quote feed unavailable")
		case 2:
			return json.RawMessage(`{"price":140}`), nil
		default:
			// Park until teardown so the delivery count stays observable
			<-ctxt.Done()
			return nil, ctxt.Err()
		}
	}

	complete := runDriver(t, uut, admitted, producer)

	connected := transport.nextEvent(t, time.Second)
	assert.Equal(EventConnected, connected.name)

	// Case 0: the failed tick surfaces an error event to the client
	errEvent := transport.nextEvent(t, time.Second)
	assert.Equal(EventError, errEvent.name)
	surfaced, ok := errEvent.payload.(ErrorEvent)
	assert.True(ok)
	assert.Contains(surfaced.Message, "quote feed unavailable")

	// Case 1: the session survived and the next tick delivers normally
	update := transport.nextEvent(t, time.Second)
	assert.Equal(EventUpdate, update.name)
	assert.Len(uut.ListByOwner("u1"), 1)

	// Case 2: only the successful tick was counted
	time.Sleep(time.Millisecond * 50)
	uut.Evict(admitted.ID, ReasonMaintenance)
	waitDriverExit(t, complete)
	assert.Equal(uint64(1), finalSnapshot.DeliveredCount)
}

func TestDriverClientDisconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	uut := newTestRegistry(t, utCtxt, fastTestParams())

	evictReason := make(chan string, 1)
	uut.AddListener(func(event LifecycleEvent) {
		if event.Type == SessionEvicted {
			evictReason <- event.Reason
		}
	})

	transport := newMockTransport()
	admitted, err := uut.Admit("u1", TierFree, "quotes", nil, transport)
	assert.Nil(err)

	producer := func(ctxt context.Context, params map[string]string) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
	complete := runDriver(t, uut, admitted, producer)

	connected := transport.nextEvent(t, time.Second)
	assert.Equal(EventConnected, connected.name)

	// Client walks away mid-stream
	transport.disconnect()
	waitDriverExit(t, complete)

	select {
	case reason := <-evictReason:
		assert.Equal(ReasonClientDisconnect, reason)
	case <-time.After(time.Second):
		assert.FailNow("no eviction observed")
	}
	assert.Empty(uut.ListByOwner("u1"))
}

func TestDriverWriteFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	uut := newTestRegistry(t, utCtxt, fastTestParams())

	evictReason := make(chan string, 1)
	uut.AddListener(func(event LifecycleEvent) {
		if event.Type == SessionEvicted {
			evictReason <- event.Reason
		}
	})

	transport := newMockTransport()
	admitted, err := uut.Admit("u1", TierPremium, "quotes", nil, transport)
	assert.Nil(err)

	producer := func(ctxt context.Context, params map[string]string) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
	complete := runDriver(t, uut, admitted, producer)

	connected := transport.nextEvent(t, time.Second)
	assert.Equal(EventConnected, connected.name)

	// All subsequent writes fail at the transport
	transport.breakWrites()
	waitDriverExit(t, complete)

	select {
	case reason := <-evictReason:
		assert.Equal(ReasonClientError, reason)
	case <-time.After(time.Second):
		assert.FailNow("no eviction observed")
	}
}

func TestDriverIdleTimeout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	params := fastTestParams()
	params.IdleTimeout = time.Millisecond * 250
	uut := newTestRegistry(t, utCtxt, params)

	evictions := make(chan LifecycleEvent, 8)
	uut.AddListener(func(event LifecycleEvent) {
		if event.Type == SessionEvicted {
			evictions <- event
		}
	})

	transport := newMockTransport()
	admitted, err := uut.Admit("u1", TierPremium, "quotes", nil, transport)
	assert.Nil(err)

	producer := func(ctxt context.Context, params map[string]string) (json.RawMessage, error) {
		return json.RawMessage(`{"price":188}`), nil
	}
	complete := runDriver(t, uut, admitted, producer)
	waitDriverExit(t, complete)

	// Case 0: the deadline fired despite steady delivery activity, and the
	// session was evicted exactly once with the timeout reason
	select {
	case event := <-evictions:
		assert.Equal(ReasonTimeout, event.Reason)
		assert.Equal(admitted.ID, event.Session.ID)
	case <-time.After(time.Second):
		assert.FailNow("no eviction observed")
	}
	select {
	case extra := <-evictions:
		assert.FailNowf("duplicate eviction", "second eviction [%s]", extra.Reason)
	case <-time.After(time.Millisecond * 100):
	}

	// Case 1: nothing left behind for this owner
	assert.Empty(uut.ListByOwner("u1"))
	assert.Equal(0, uut.Stats().TotalSessions)
	assert.Equal(1, transport.closes)
}
