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
	"errors"
	"sync"
	"time"

	"github.com/alwitt/tickstream/eventstream"
)

// Tier subscription level of an owner
type Tier string

// Recognized subscription tiers
const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// ParseTier normalize a tier label. Unrecognized labels map to free.
func ParseTier(label string) Tier {
	switch Tier(label) {
	case TierFree, TierPro, TierPremium:
		return Tier(label)
	default:
		return TierFree
	}
}

// Admission errors. Fatal to the subscribe attempt only.
var (
	// ErrCapacityExceeded the global session cap is reached
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrTierLimitExceeded the owner is at its tier's connection limit
	ErrTierLimitExceeded = errors.New("tier connection limit exceeded")
)

// Eviction reasons
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonClientError      = "client_error"
	ReasonTimeout          = "timeout"
	ReasonMaintenance      = "maintenance"
)

// DataProducer fetches the payload for one update tick. Caller supplied per
// subscription; may be slow or fail. Failures are transient: they are surfaced
// to the client but never tear the session down.
type DataProducer func(ctxt context.Context, params map[string]string) (json.RawMessage, error)

// Session one active server-to-client stream
type Session struct {
	// ID opaque unique session token, never reused
	ID string
	// OwnerID the subscribing user
	OwnerID string
	// Tier the owner's subscription tier at admission
	Tier Tier
	// DataKind caller supplied label of what is being streamed
	DataKind string
	// Params opaque query parameters passed to the data producer on every tick
	Params map[string]string
	// UpdateInterval tier-scaled data delivery interval. Immutable after admission.
	UpdateInterval time.Duration
	// HeartbeatInterval tier-scaled heartbeat interval. Immutable after admission.
	HeartbeatInterval time.Duration
	// CreatedAt admission timestamp
	CreatedAt time.Time
	// ExpiresAt the fixed idle-timeout deadline. Not extended by activity.
	ExpiresAt time.Time

	// mutated only under the registry lock
	lastActivityAt time.Time
	deliveredCount uint64

	transport   eventstream.Transport
	ctxt        context.Context
	ctxtCancel  context.CancelFunc
	releaseOnce sync.Once
}

// Context the session's lifetime context. Canceled on eviction.
func (s *Session) Context() context.Context {
	return s.ctxt
}

// Transport the writable client transport. Exclusively owned by this session.
func (s *Session) Transport() eventstream.Transport {
	return s.transport
}

// release close the transport at most once
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		_ = s.transport.Close()
	})
}

// snapshotLocked caller must hold the registry lock
func (s *Session) snapshotLocked() SessionSnapshot {
	return SessionSnapshot{
		ID:                s.ID,
		OwnerID:           s.OwnerID,
		Tier:              s.Tier,
		DataKind:          s.DataKind,
		UpdateInterval:    s.UpdateInterval,
		HeartbeatInterval: s.HeartbeatInterval,
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt,
		LastActivityAt:    s.lastActivityAt,
		DeliveredCount:    s.deliveredCount,
	}
}

// SessionSnapshot point-in-time copy of one session's state
type SessionSnapshot struct {
	ID                string        `json:"id"`
	OwnerID           string        `json:"owner_id"`
	Tier              Tier          `json:"tier"`
	DataKind          string        `json:"data_kind"`
	UpdateInterval    time.Duration `json:"update_interval_ns" swaggertype:"primitive,integer"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval_ns" swaggertype:"primitive,integer"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
	DeliveredCount    uint64        `json:"delivered_count"`
}

// ===============================================================================
// Registry lifecycle events

// LifecycleEventType registry lifecycle event type
type LifecycleEventType string

// Registry lifecycle event types
const (
	// SessionAdmitted a session passed admission and entered the registry
	SessionAdmitted LifecycleEventType = "session_admitted"
	// SessionEvicted a session was removed from the registry
	SessionEvicted LifecycleEventType = "session_evicted"
)

// LifecycleEvent one registry lifecycle change
type LifecycleEvent struct {
	// Type the lifecycle event type
	Type LifecycleEventType `json:"type"`
	// Reason eviction reason. Empty for admissions.
	Reason string `json:"reason,omitempty"`
	// Session snapshot of the session involved
	Session SessionSnapshot `json:"session"`
	// Timestamp when the change occurred
	Timestamp time.Time `json:"timestamp"`
}

// LifecycleListener observer callback for registry lifecycle events.
//
// Called synchronously outside the registry lock; listeners must not block.
type LifecycleListener func(event LifecycleEvent)
