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
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Stream event names
const (
	EventConnected = "connected"
	EventUpdate    = "update"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
	EventShutdown  = "shutdown"
)

// ConnectedEvent payload of the initial connected event
type ConnectedEvent struct {
	SessionID           string `json:"session_id"`
	Tier                Tier   `json:"tier"`
	UpdateIntervalMS    int64  `json:"update_interval_ms"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
}

// HeartbeatEvent payload of one heartbeat event
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Alive     bool      `json:"alive"`
}

// ErrorEvent payload of one error event
type ErrorEvent struct {
	Message string `json:"message"`
}

// Driver per-session task driving periodic data and heartbeat delivery
type Driver interface {
	// Run operate the session until a terminal condition. Blocks the calling
	// goroutine; each session gets its own.
	Run()
}

// driverImpl implements Driver.
//
// One goroutine owns both delivery tickers and the idle deadline, selecting
// over tick, cancel, and transport disconnect signals. This keeps teardown
// free of timer cancellation races: once Run returns, no further delivery
// attempt can occur.
type driverImpl struct {
	goutils.Component
	registry Registry
	session  *Session
	producer DataProducer
	// sequence number attached to update events as the SSE event ID
	updateSeq uint64
}

// GetDriver define the driver for an admitted session
func GetDriver(registry Registry, s *Session, producer DataProducer) (Driver, error) {
	if producer == nil {
		return nil, fmt.Errorf("session %s has no data producer", s.ID)
	}
	logTags := log.Fields{
		"module":    "session",
		"component": "driver",
		"session":   s.ID,
		"owner":     s.OwnerID,
		"data_kind": s.DataKind,
	}
	return &driverImpl{
		Component: goutils.Component{LogTags: logTags},
		registry:  registry,
		session:   s,
		producer:  producer,
	}, nil
}

// Run operate the session until a terminal condition
func (d *driverImpl) Run() {
	defer log.WithFields(d.LogTags).Info("Session driver exiting")

	s := d.session

	// Starting: announce the session and its computed intervals
	connected := ConnectedEvent{
		SessionID:           s.ID,
		Tier:                s.Tier,
		UpdateIntervalMS:    s.UpdateInterval.Milliseconds(),
		HeartbeatIntervalMS: s.HeartbeatInterval.Milliseconds(),
	}
	if err := s.transport.WriteEvent(EventConnected, connected, s.ID); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Failed to send connected event")
		d.registry.Evict(s.ID, ReasonClientError)
		return
	}

	updateTicker := time.NewTicker(s.UpdateInterval)
	defer updateTicker.Stop()
	heartbeatTicker := time.NewTicker(s.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	// The idle deadline is fixed at admission. It fires at most once, and any
	// earlier teardown path cancels it by exiting this loop.
	idleTimer := time.NewTimer(time.Until(s.ExpiresAt))
	defer idleTimer.Stop()

	log.WithFields(d.LogTags).Infof(
		"Session active: update every %s, heartbeat every %s",
		s.UpdateInterval, s.HeartbeatInterval,
	)

	for {
		select {
		case <-s.ctxt.Done():
			// Evicted elsewhere (operator shutdown, admin eviction)
			return

		case <-s.transport.Done():
			reason := ReasonClientDisconnect
			if s.transport.Err() != nil {
				reason = ReasonClientError
			}
			log.WithFields(d.LogTags).Infof("Transport gone [%s]", reason)
			d.registry.Evict(s.ID, reason)
			return

		case <-idleTimer.C:
			log.WithFields(d.LogTags).Info("Session reached its lifetime ceiling")
			d.registry.Evict(s.ID, ReasonTimeout)
			return

		case <-updateTicker.C:
			if err := d.handleUpdateTick(); err != nil {
				d.registry.Evict(s.ID, ReasonClientError)
				return
			}

		case <-heartbeatTicker.C:
			if err := d.handleHeartbeatTick(); err != nil {
				d.registry.Evict(s.ID, ReasonClientError)
				return
			}
		}
	}
}

// handleUpdateTick fetch and deliver one data payload.
//
// Producer failures are transient: an error event is surfaced to the client
// and the session stays open for the next tick. Only transport write failures
// are returned, and those end the session.
func (d *driverImpl) handleUpdateTick() error {
	s := d.session

	payload, err := d.producer(s.ctxt, s.Params)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Warn("Data producer failed on this tick")
		return s.transport.WriteEvent(EventError, ErrorEvent{Message: err.Error()}, "")
	}

	d.updateSeq++
	if err := s.transport.WriteEvent(
		EventUpdate, payload, fmt.Sprintf("%d", d.updateSeq),
	); err != nil {
		return err
	}
	d.registry.Touch(s.ID)
	return nil
}

// handleHeartbeatTick deliver one liveness marker. Does not count as activity.
func (d *driverImpl) handleHeartbeatTick() error {
	return d.session.transport.WriteEvent(
		EventHeartbeat, HeartbeatEvent{Timestamp: time.Now(), Alive: true}, "",
	)
}
