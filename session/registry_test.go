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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRegistryTierAdmissionLimit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	uut := newTestRegistry(t, utCtxt, defaultTestParams())

	// Case 0: first free tier admission succeeds
	first, err := uut.Admit("owner-1", TierFree, "quotes", nil, newMockTransport())
	assert.Nil(err)
	assert.NotEmpty(first.ID)
	checkOwnerIndexInvariant(t, uut)

	// Case 1: second admission for the same free tier owner is rejected
	_, err = uut.Admit("owner-1", TierFree, "quotes", nil, newMockTransport())
	assert.True(errors.Is(err, ErrTierLimitExceeded))
	checkOwnerIndexInvariant(t, uut)

	// Case 2: the first session is unaffected
	assert.Len(uut.ListByOwner("owner-1"), 1)

	// Case 3: evicting the first session frees the slot
	uut.Evict(first.ID, ReasonClientDisconnect)
	second, err := uut.Admit("owner-1", TierFree, "quotes", nil, newMockTransport())
	assert.Nil(err)
	assert.NotEqual(first.ID, second.ID)
	checkOwnerIndexInvariant(t, uut)

	// Case 4: a pro tier owner can hold three sessions but not four
	for itr := 0; itr < 3; itr++ {
		_, err := uut.Admit("owner-2", TierPro, "quotes", nil, newMockTransport())
		assert.Nil(err)
	}
	_, err = uut.Admit("owner-2", TierPro, "quotes", nil, newMockTransport())
	assert.True(errors.Is(err, ErrTierLimitExceeded))
	checkOwnerIndexInvariant(t, uut)

	// Case 5: unrecognized tier is treated as free
	_, err = uut.Admit("owner-3", Tier("platinum"), "quotes", nil, newMockTransport())
	assert.Nil(err)
	assert.Equal(TierFree, uut.ListByOwner("owner-3")[0].Tier)
	_, err = uut.Admit("owner-3", Tier("platinum"), "quotes", nil, newMockTransport())
	assert.True(errors.Is(err, ErrTierLimitExceeded))
}

func TestRegistryCapacityLimit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	params := defaultTestParams()
	params.MaxSessions = 2
	uut := newTestRegistry(t, utCtxt, params)

	first, err := uut.Admit("owner-1", TierPremium, "quotes", nil, newMockTransport())
	assert.Nil(err)
	_, err = uut.Admit("owner-2", TierPremium, "quotes", nil, newMockTransport())
	assert.Nil(err)

	// Case 0: the (N+1)th admission is rejected regardless of owner
	_, err = uut.Admit("owner-3", TierPremium, "quotes", nil, newMockTransport())
	assert.True(errors.Is(err, ErrCapacityExceeded))

	// Case 1: evicting any one session makes room for exactly one more
	uut.Evict(first.ID, ReasonClientDisconnect)
	_, err = uut.Admit("owner-3", TierPremium, "quotes", nil, newMockTransport())
	assert.Nil(err)
	_, err = uut.Admit("owner-4", TierPremium, "quotes", nil, newMockTransport())
	assert.True(errors.Is(err, ErrCapacityExceeded))
	checkOwnerIndexInvariant(t, uut)
}

func TestRegistryEvictionIdempotent(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	uut := newTestRegistry(t, utCtxt, defaultTestParams())

	evictions := 0
	var evictLock sync.Mutex
	uut.AddListener(func(event LifecycleEvent) {
		if event.Type == SessionEvicted {
			evictLock.Lock()
			evictions++
			evictLock.Unlock()
		}
	})

	transport := newMockTransport()
	admitted, err := uut.Admit("owner-1", TierFree, "quotes", nil, transport)
	assert.Nil(err)

	// Case 0: eviction releases the transport and cancels the session context
	uut.Evict(admitted.ID, ReasonClientDisconnect)
	assert.Equal(1, transport.closes)
	select {
	case <-admitted.Context().Done():
	default:
		assert.FailNow("session context not canceled by eviction")
	}

	// Case 1: second eviction of the same ID is a no-op
	uut.Evict(admitted.ID, ReasonTimeout)
	assert.Equal(1, transport.closes)

	// Case 2: eviction of a never-admitted ID is a no-op
	uut.Evict("no-such-session", ReasonTimeout)

	evictLock.Lock()
	assert.Equal(1, evictions)
	evictLock.Unlock()
	checkOwnerIndexInvariant(t, uut)
}

func TestRegistryTouch(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	uut := newTestRegistry(t, utCtxt, defaultTestParams())

	admitted, err := uut.Admit("owner-1", TierPro, "quotes", nil, newMockTransport())
	assert.Nil(err)
	originalDeadline := admitted.ExpiresAt

	var finalSnapshot SessionSnapshot
	uut.AddListener(func(event LifecycleEvent) {
		if event.Type == SessionEvicted {
			finalSnapshot = event.Session
		}
	})

	// Case 0: each touch records one delivery
	uut.Touch(admitted.ID)
	uut.Touch(admitted.ID)
	uut.Touch(admitted.ID)

	// Case 1: activity does not extend the lifetime ceiling
	assert.Equal(originalDeadline, admitted.ExpiresAt)

	// Case 2: touching an absent session is a no-op
	uut.Touch("no-such-session")

	uut.Evict(admitted.ID, ReasonClientDisconnect)
	assert.Equal(uint64(3), finalSnapshot.DeliveredCount)

	// Case 3: touch after eviction cannot move the counter
	uut.Touch(admitted.ID)
	assert.Equal(uint64(3), finalSnapshot.DeliveredCount)
}

func TestRegistryLifecycleEvents(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	uut := newTestRegistry(t, utCtxt, defaultTestParams())

	observed := make(chan LifecycleEvent, 8)
	uut.AddListener(func(event LifecycleEvent) {
		observed <- event
	})

	admitted, err := uut.Admit(
		"owner-1", TierPremium, "orderbook", map[string]string{"symbol": "NVDA"},
		newMockTransport(),
	)
	assert.Nil(err)

	// Admission event carries the computed intervals
	admitEvent := <-observed
	assert.Equal(SessionAdmitted, admitEvent.Type)
	assert.Equal(admitted.ID, admitEvent.Session.ID)
	assert.Equal(TierPremium, admitEvent.Session.Tier)
	assert.Equal(time.Millisecond*15000, admitEvent.Session.UpdateInterval)
	assert.Equal(time.Millisecond*5000, admitEvent.Session.HeartbeatInterval)

	uut.Evict(admitted.ID, ReasonMaintenance)
	evictEvent := <-observed
	assert.Equal(SessionEvicted, evictEvent.Type)
	assert.Equal(ReasonMaintenance, evictEvent.Reason)
	assert.Equal(admitted.ID, evictEvent.Session.ID)
}

func TestRegistryRejectsMissingOwner(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	uut := newTestRegistry(t, utCtxt, defaultTestParams())

	_, err := uut.Admit("", TierFree, "quotes", nil, newMockTransport())
	assert.NotNil(err)
}
