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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRegistryStats(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	params := defaultTestParams()
	params.MaxSessions = 10
	uut := newTestRegistry(t, utCtxt, params)

	// Case 0: empty registry
	empty := uut.Stats()
	assert.Equal(0, empty.TotalSessions)
	assert.Equal(10, empty.MaxSessions)
	assert.Empty(empty.SessionsByTier)
	assert.Equal(time.Duration(0), empty.OldestSessionAge)
	assert.Equal(time.Duration(0), empty.MeanSessionAge)
	assert.Equal(float64(0), empty.Utilization)

	// The premium session is admitted first, so it is the oldest
	oldest, err := uut.Admit("owner-1", TierPremium, "quotes", nil, newMockTransport())
	assert.Nil(err)
	time.Sleep(time.Millisecond * 50)
	_, err = uut.Admit("owner-2", TierFree, "quotes", nil, newMockTransport())
	assert.Nil(err)
	_, err = uut.Admit("owner-3", TierFree, "orderbook", nil, newMockTransport())
	assert.Nil(err)
	_, err = uut.Admit("owner-4", TierPro, "quotes", nil, newMockTransport())
	assert.Nil(err)

	// Case 1: counts grouped by tier
	populated := uut.Stats()
	assert.Equal(4, populated.TotalSessions)
	assert.Equal(2, populated.SessionsByTier[TierFree])
	assert.Equal(1, populated.SessionsByTier[TierPro])
	assert.Equal(1, populated.SessionsByTier[TierPremium])

	// Case 2: oldest session identified with its tier, mean bounded by it
	assert.Equal(TierPremium, populated.OldestSessionTier)
	assert.GreaterOrEqual(populated.OldestSessionAge, time.Millisecond*50)
	assert.Greater(populated.MeanSessionAge, time.Duration(0))
	assert.LessOrEqual(populated.MeanSessionAge, populated.OldestSessionAge)

	// Case 3: utilization against the configured cap
	assert.InDelta(0.4, populated.Utilization, 0.0001)

	// Case 4: computing stats never mutates the registry
	assert.Equal(populated.TotalSessions, uut.Stats().TotalSessions)
	checkOwnerIndexInvariant(t, uut)

	// Case 5: evicting the oldest promotes the next oldest
	uut.Evict(oldest.ID, ReasonClientDisconnect)
	afterEvict := uut.Stats()
	assert.Equal(3, afterEvict.TotalSessions)
	assert.Equal(0, afterEvict.SessionsByTier[TierPremium])
	assert.NotEqual(TierPremium, afterEvict.OldestSessionTier)
	assert.InDelta(0.3, afterEvict.Utilization, 0.0001)
}
