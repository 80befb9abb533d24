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
	"math"
	"time"
)

// Tier policy: the only place tier-dependent numeric policy lives. All other
// components treat the per-session intervals as opaque constants.

// ConnectionLimit max concurrent sessions one owner may hold at a tier.
// Unrecognized tiers get the free tier limit.
func ConnectionLimit(tier Tier) int {
	switch tier {
	case TierPremium:
		return 10
	case TierPro:
		return 3
	default:
		return 1
	}
}

// intervalMultiplier delivery interval scaling factors for a tier.
// Unrecognized tiers get the free tier multipliers.
func intervalMultiplier(tier Tier) (update float64, heartbeat float64) {
	switch tier {
	case TierPremium:
		return 0.5, 0.5
	case TierPro:
		return 1.0, 1.0
	default:
		return 2.0, 2.0
	}
}

// ComputeIntervals derive a session's delivery intervals from the base
// intervals and the owner's tier. Applied once at admission; the results are
// immutable for the session's lifetime.
func ComputeIntervals(
	tier Tier, baseUpdate, baseHeartbeat time.Duration,
) (update time.Duration, heartbeat time.Duration) {
	updateScale, heartbeatScale := intervalMultiplier(tier)
	update = time.Duration(math.Round(float64(baseUpdate) * updateScale))
	heartbeat = time.Duration(math.Round(float64(baseHeartbeat) * heartbeatScale))
	return update, heartbeat
}
