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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tickstream/eventstream"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// RegistryParams session registry parameters
type RegistryParams struct {
	// MaxSessions global cap on concurrently active sessions
	MaxSessions int `validate:"required,gt=0"`
	// IdleTimeout hard ceiling on a session's lifetime, measured from admission
	IdleTimeout time.Duration `validate:"required,gt=0"`
	// BaseUpdateInterval pre-scaling data update interval
	BaseUpdateInterval time.Duration `validate:"required,gt=0"`
	// BaseHeartbeatInterval pre-scaling heartbeat interval
	BaseHeartbeatInterval time.Duration `validate:"required,gt=0"`
}

// Registry in-memory table of active stream sessions with admission control
type Registry interface {
	// Admit run admission control for a new subscription. On success the
	// session is in the registry with tier-scaled intervals computed, and
	// a SessionAdmitted event is emitted.
	Admit(
		ownerID string, tier Tier, dataKind string, params map[string]string,
		transport eventstream.Transport,
	) (*Session, error)
	// Evict remove a session from the registry, cancel its timers, and
	// release its transport. No-op if the session is absent; safe to call
	// concurrently with the session driver's own teardown.
	Evict(id string, reason string)
	// Touch record one successful data delivery. Does NOT extend the
	// session's idle-timeout deadline.
	Touch(id string)
	// ListByOwner fetch the owner's active sessions
	ListByOwner(ownerID string) []*Session
	// ListAll fetch all active sessions
	ListAll() []*Session
	// Stats read-only aggregate snapshot of registry state
	Stats() Stats
	// AddListener register an observer for lifecycle events
	AddListener(listener LifecycleListener)
}

// registryImpl implements Registry
type registryImpl struct {
	goutils.Component
	rootContext context.Context
	params      RegistryParams
	lock        sync.Mutex
	sessions    map[string]*Session
	byOwner     map[string]map[string]bool
	listeners   []LifecycleListener
	listenLock  sync.Mutex
}

// GetRegistry define a new session registry.
//
// The root context bounds the lifetime of every admitted session; canceling
// it stops all session drivers.
func GetRegistry(rootCtxt context.Context, params RegistryParams) (Registry, error) {
	logTags := log.Fields{
		"module": "session", "component": "registry",
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid registry params")
		return nil, err
	}
	return &registryImpl{
		Component:   goutils.Component{LogTags: logTags},
		rootContext: rootCtxt,
		params:      params,
		sessions:    make(map[string]*Session),
		byOwner:     make(map[string]map[string]bool),
	}, nil
}

// AddListener register an observer for lifecycle events
func (r *registryImpl) AddListener(listener LifecycleListener) {
	r.listenLock.Lock()
	defer r.listenLock.Unlock()
	r.listeners = append(r.listeners, listener)
}

// emit deliver a lifecycle event to all listeners. Never called under the
// registry lock.
func (r *registryImpl) emit(event LifecycleEvent) {
	r.listenLock.Lock()
	listeners := make([]LifecycleListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenLock.Unlock()
	for _, listener := range listeners {
		listener(event)
	}
}

// Admit run admission control for a new subscription
func (r *registryImpl) Admit(
	ownerID string, tier Tier, dataKind string, params map[string]string,
	transport eventstream.Transport,
) (*Session, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner ID is required for admission")
	}
	tier = ParseTier(string(tier))

	r.lock.Lock()
	if len(r.sessions) >= r.params.MaxSessions {
		r.lock.Unlock()
		err := fmt.Errorf(
			"%w: %d sessions active", ErrCapacityExceeded, r.params.MaxSessions,
		)
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Rejected admission for owner %s", ownerID,
		)
		return nil, err
	}
	limit := ConnectionLimit(tier)
	if len(r.byOwner[ownerID]) >= limit {
		r.lock.Unlock()
		err := fmt.Errorf(
			"%w: owner %s already holds %d sessions", ErrTierLimitExceeded, ownerID, limit,
		)
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Rejected admission for owner %s", ownerID,
		)
		return nil, err
	}

	now := time.Now()
	updateInterval, heartbeatInterval := ComputeIntervals(
		tier, r.params.BaseUpdateInterval, r.params.BaseHeartbeatInterval,
	)
	ctxt, cancel := context.WithCancel(r.rootContext)
	newSession := &Session{
		ID:                uuid.New().String(),
		OwnerID:           ownerID,
		Tier:              tier,
		DataKind:          dataKind,
		Params:            params,
		UpdateInterval:    updateInterval,
		HeartbeatInterval: heartbeatInterval,
		CreatedAt:         now,
		ExpiresAt:         now.Add(r.params.IdleTimeout),
		lastActivityAt:    now,
		transport:         transport,
		ctxt:              ctxt,
		ctxtCancel:        cancel,
	}
	r.sessions[newSession.ID] = newSession
	owned, ok := r.byOwner[ownerID]
	if !ok {
		owned = make(map[string]bool)
		r.byOwner[ownerID] = owned
	}
	owned[newSession.ID] = true
	snapshot := newSession.snapshotLocked()
	r.lock.Unlock()

	log.WithFields(r.LogTags).Infof(
		"Admitted session %s for owner %s [%s] streaming %s",
		newSession.ID, ownerID, tier, dataKind,
	)
	r.emit(LifecycleEvent{
		Type: SessionAdmitted, Session: snapshot, Timestamp: now,
	})
	return newSession, nil
}

// Evict remove a session from the registry and release its resources.
//
// Idempotent. After this returns, Touch on the same ID is a no-op, so the
// session's delivery counter can no longer move.
func (r *registryImpl) Evict(id string, reason string) {
	r.lock.Lock()
	evicting, ok := r.sessions[id]
	if !ok {
		r.lock.Unlock()
		return
	}
	delete(r.sessions, id)
	if owned, ok := r.byOwner[evicting.OwnerID]; ok {
		delete(owned, id)
		if len(owned) == 0 {
			delete(r.byOwner, evicting.OwnerID)
		}
	}
	snapshot := evicting.snapshotLocked()
	r.lock.Unlock()

	// Cancel the driver's timers, then release the transport at most once
	evicting.ctxtCancel()
	evicting.release()

	log.WithFields(r.LogTags).Infof("Evicted session %s [%s]", id, reason)
	r.emit(LifecycleEvent{
		Type: SessionEvicted, Reason: reason, Session: snapshot, Timestamp: time.Now(),
	})
}

// Touch record one successful data delivery
func (r *registryImpl) Touch(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	active, ok := r.sessions[id]
	if !ok {
		return
	}
	active.deliveredCount++
	active.lastActivityAt = time.Now()
}

// ListByOwner fetch the owner's active sessions
func (r *registryImpl) ListByOwner(ownerID string) []*Session {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]*Session, 0, len(r.byOwner[ownerID]))
	for id := range r.byOwner[ownerID] {
		active, ok := r.sessions[id]
		if !ok {
			// Unreachable given the locking discipline. Self-heal by pruning
			// the dangling reference.
			log.WithFields(r.LogTags).Errorf(
				"Owner %s index references missing session %s", ownerID, id,
			)
			delete(r.byOwner[ownerID], id)
			continue
		}
		result = append(result, active)
	}
	return result
}

// ListAll fetch all active sessions
func (r *registryImpl) ListAll() []*Session {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, active := range r.sessions {
		result = append(result, active)
	}
	return result
}
