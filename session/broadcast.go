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
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Event one broadcast event
type Event struct {
	// Name the event name on the wire
	Name string `json:"name" validate:"required"`
	// Payload the event payload
	Payload interface{} `json:"payload"`
	// ID optional event ID
	ID string `json:"id,omitempty"`
}

// BroadcastFilter restricts which sessions a broadcast reaches. A nil field
// matches all sessions on that dimension.
type BroadcastFilter struct {
	// DataKind match sessions streaming this data kind
	DataKind *string `json:"data_kind,omitempty"`
	// Tier match sessions of owners at this tier
	Tier *Tier `json:"tier,omitempty"`
}

// matches check one session against the filter
func (f *BroadcastFilter) matches(s *Session) bool {
	if f == nil {
		return true
	}
	if f.DataKind != nil && s.DataKind != *f.DataKind {
		return false
	}
	if f.Tier != nil && s.Tier != *f.Tier {
		return false
	}
	return true
}

// ShutdownNotice payload of the shutdown event sent before maintenance eviction
type ShutdownNotice struct {
	Reason        string `json:"reason"`
	ReconnectInMS int64  `json:"reconnect_in_ms"`
}

// Broadcaster fan-out of events to matching active sessions.
//
// Delivery order across sessions is unspecified. Sessions with a dead
// transport are skipped, never evicted here; teardown is the session driver's
// responsibility.
type Broadcaster interface {
	// ToOwner deliver an event to every live session of one owner.
	// Returns the number of sessions delivered to.
	ToOwner(ownerID string, event Event) int
	// ToAll deliver an event to every live session matching the filter.
	// A nil filter matches everything. Returns the number delivered to.
	ToAll(event Event, filter *BroadcastFilter) int
	// Shutdown deliver a shutdown notice with a reconnect delay hint to every
	// live session, then evict them all with the given reason. Returns the
	// number of sessions evicted.
	Shutdown(reason string) int
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	goutils.Component
	registry      Registry
	reconnectHint time.Duration
}

// GetBroadcaster define a broadcaster over a session registry
func GetBroadcaster(registry Registry, reconnectHint time.Duration) (Broadcaster, error) {
	logTags := log.Fields{
		"module": "session", "component": "broadcaster",
	}
	return &broadcasterImpl{
		Component:     goutils.Component{LogTags: logTags},
		registry:      registry,
		reconnectHint: reconnectHint,
	}, nil
}

// transportLive check whether a session's transport can still accept writes
func transportLive(s *Session) bool {
	select {
	case <-s.transport.Done():
		return false
	default:
		return true
	}
}

// deliver write one event to a set of sessions, skipping dead transports
func (b *broadcasterImpl) deliver(targets []*Session, event Event) int {
	delivered := 0
	for _, target := range targets {
		if !transportLive(target) {
			continue
		}
		if err := target.transport.WriteEvent(event.Name, event.Payload, event.ID); err != nil {
			log.WithError(err).WithFields(b.LogTags).Warnf(
				"Broadcast to session %s failed", target.ID,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// ToOwner deliver an event to every live session of one owner
func (b *broadcasterImpl) ToOwner(ownerID string, event Event) int {
	delivered := b.deliver(b.registry.ListByOwner(ownerID), event)
	log.WithFields(b.LogTags).Debugf(
		"Delivered %s to %d sessions of owner %s", event.Name, delivered, ownerID,
	)
	return delivered
}

// ToAll deliver an event to every live session matching the filter
func (b *broadcasterImpl) ToAll(event Event, filter *BroadcastFilter) int {
	targets := make([]*Session, 0)
	for _, active := range b.registry.ListAll() {
		if filter.matches(active) {
			targets = append(targets, active)
		}
	}
	delivered := b.deliver(targets, event)
	log.WithFields(b.LogTags).Debugf(
		"Delivered %s to %d sessions", event.Name, delivered,
	)
	return delivered
}

// Shutdown notify and evict every active session
func (b *broadcasterImpl) Shutdown(reason string) int {
	if reason == "" {
		reason = ReasonMaintenance
	}
	notice := ShutdownNotice{
		Reason: reason, ReconnectInMS: b.reconnectHint.Milliseconds(),
	}
	evicted := 0
	for _, active := range b.registry.ListAll() {
		if transportLive(active) {
			if err := active.transport.WriteEvent(EventShutdown, notice, ""); err != nil {
				log.WithError(err).WithFields(b.LogTags).Warnf(
					"Shutdown notice to session %s failed", active.ID,
				)
			}
		}
		b.registry.Evict(active.ID, reason)
		evicted++
	}
	log.WithFields(b.LogTags).Infof("Shut down %d sessions [%s]", evicted, reason)
	return evicted
}
