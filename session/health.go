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

import "time"

// Stats read-only aggregate view of the registry, computed at call time
type Stats struct {
	// TotalSessions number of active sessions
	TotalSessions int `json:"total_sessions"`
	// MaxSessions the global session cap
	MaxSessions int `json:"max_sessions"`
	// SessionsByTier active session count grouped by tier
	SessionsByTier map[Tier]int `json:"sessions_by_tier"`
	// OldestSessionAge age of the longest lived active session. Zero when idle.
	OldestSessionAge time.Duration `json:"oldest_session_age_ns" swaggertype:"primitive,integer"`
	// OldestSessionTier tier of the longest lived active session
	OldestSessionTier Tier `json:"oldest_session_tier,omitempty"`
	// MeanSessionAge mean age across all active sessions. Zero when idle.
	MeanSessionAge time.Duration `json:"mean_session_age_ns" swaggertype:"primitive,integer"`
	// Utilization TotalSessions / MaxSessions
	Utilization float64 `json:"utilization"`
}

// Stats compute the aggregate snapshot. Never mutates registry state.
func (r *registryImpl) Stats() Stats {
	now := time.Now()

	r.lock.Lock()
	defer r.lock.Unlock()

	result := Stats{
		TotalSessions:  len(r.sessions),
		MaxSessions:    r.params.MaxSessions,
		SessionsByTier: make(map[Tier]int),
		Utilization:    float64(len(r.sessions)) / float64(r.params.MaxSessions),
	}

	var ageSum time.Duration
	for _, active := range r.sessions {
		result.SessionsByTier[active.Tier]++
		age := now.Sub(active.CreatedAt)
		ageSum += age
		if age > result.OldestSessionAge {
			result.OldestSessionAge = age
			result.OldestSessionTier = active.Tier
		}
	}
	if len(r.sessions) > 0 {
		result.MeanSessionAge = ageSum / time.Duration(len(r.sessions))
	}
	return result
}
