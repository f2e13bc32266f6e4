// Copyright 2023-2024 The subrelay Authors
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

package registry

import (
	"fmt"
	"time"

	"sync"

	"github.com/alwitt/subrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Connection record of one logical client session.
//
// A connection may hold any number of subscriptions. Only active connections
// may hold subscriptions or receive deliveries; once closed the record is
// removed and all operations referencing its ID report not-found.
type Connection struct {
	// ID is the connection ID
	ID string `json:"id" validate:"required"`
	// UserID the authenticated user behind the connection, if any
	UserID *string `json:"user_id,omitempty"`
	// StartTime when the connection was registered
	StartTime time.Time `json:"start_time"`
	// LastActivity timestamp of the last observed transport activity
	LastActivity time.Time `json:"last_activity"`
	// SubscriptionIDs the subscriptions owned by this connection
	SubscriptionIDs map[string]bool `json:"subscription_ids"`
	// Metadata opaque per-connection metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// IsActive whether the connection may hold subscriptions and receive deliveries
	IsActive bool `json:"is_active"`
	// InactivityTimeout period of inactivity after which the connection is
	// reported as a close candidate
	InactivityTimeout time.Duration `json:"inactivity_timeout"`
}

// snapshot deep copy of the record for handing outside the registry
func (c *Connection) snapshot() Connection {
	result := *c
	result.SubscriptionIDs = make(map[string]bool, len(c.SubscriptionIDs))
	for id := range c.SubscriptionIDs {
		result.SubscriptionIDs[id] = true
	}
	result.Metadata = make(map[string]interface{}, len(c.Metadata))
	for k, v := range c.Metadata {
		result.Metadata[k] = v
	}
	return result
}

// ConnectionParams parameters for registering a new connection
type ConnectionParams struct {
	// ID the transport assigned connection ID. Generated when empty.
	ID string
	// UserID the authenticated user behind the connection, if any
	UserID *string
	// Metadata opaque per-connection metadata
	Metadata map[string]interface{}
	// InactivityTimeout overrides the registry default when positive
	InactivityTimeout time.Duration
}

// StaleConnection report entry for a connection whose inactivity exceeds its timeout
type StaleConnection struct {
	// ID is the connection ID
	ID string `json:"id"`
	// LastActivity timestamp of the last observed transport activity
	LastActivity time.Time `json:"last_activity"`
	// InactiveFor how long the connection has been inactive
	InactiveFor time.Duration `json:"inactive_for"`
}

// ConnectionRegistry manages the set of known connections.
//
// The registry reports staleness but never acts on it; closing a stale
// connection is the caller's decision.
type ConnectionRegistry interface {
	// Register add a new connection record. Fails with ErrCapacityExceeded when
	// the active count is already at the connection limit.
	Register(param ConnectionParams, timestamp time.Time) (Connection, error)
	// Get fetch a snapshot of one connection record
	Get(id string) (Connection, bool)
	// GetAll fetch a snapshot of all connection records
	GetAll() map[string]Connection
	// IsActive whether the connection exists and is active
	IsActive(id string) bool
	// MarkActivity update the connection's last activity timestamp
	MarkActivity(id string, timestamp time.Time) bool
	// LinkSubscription record subscription ownership on the connection
	LinkSubscription(connectionID, subscriptionID string) error
	// UnlinkSubscription remove subscription ownership from the connection
	UnlinkSubscription(connectionID, subscriptionID string)
	// Close mark the connection inactive and remove its record, returning the
	// subscription IDs it owned so the caller can cascade their removal.
	// Idempotent; returns false when the ID is unknown or already closed.
	Close(id string, timestamp time.Time) ([]string, bool)
	// ActiveCount the current number of active connections
	ActiveCount() int
	// Peak the high-water mark of concurrently active connections
	Peak() int
	// AverageConnectionAge mean age of the currently active connections
	AverageConnectionAge(now time.Time) time.Duration
	// StaleConnections report the connections whose inactivity exceeds their timeout
	StaleConnections(now time.Time) []StaleConnection
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock           *sync.RWMutex
	connections    map[string]*Connection
	maxConnections int
	defaultTimeout time.Duration
	peak           int
}

// DefineConnectionRegistry create new connection registry
func DefineConnectionRegistry(
	maxConnections int, defaultTimeout time.Duration,
) (ConnectionRegistry, error) {
	if maxConnections < 1 {
		return nil, fmt.Errorf("connection limit %d is not usable", maxConnections)
	}
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry",
	}
	return &connectionRegistryImpl{
		Component:      common.Component{LogTags: logTags},
		lock:           &sync.RWMutex{},
		connections:    make(map[string]*Connection),
		maxConnections: maxConnections,
		defaultTimeout: defaultTimeout,
	}, nil
}

// Register add a new connection record
func (r *connectionRegistryImpl) Register(
	param ConnectionParams, timestamp time.Time,
) (Connection, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.connections) >= r.maxConnections {
		log.WithFields(r.LogTags).Warnf(
			"Rejecting connection. Already at limit %d", r.maxConnections,
		)
		return Connection{}, common.ErrCapacityExceeded
	}
	id := param.ID
	if id == "" {
		id = fmt.Sprintf("conn-%s", uuid.New().String())
	}
	if _, ok := r.connections[id]; ok {
		return Connection{}, fmt.Errorf("connection %s already registered", id)
	}
	timeout := param.InactivityTimeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	entry := &Connection{
		ID:                id,
		UserID:            param.UserID,
		StartTime:         timestamp,
		LastActivity:      timestamp,
		SubscriptionIDs:   make(map[string]bool),
		Metadata:          param.Metadata,
		IsActive:          true,
		InactivityTimeout: timeout,
	}
	if entry.Metadata == nil {
		entry.Metadata = make(map[string]interface{})
	}
	r.connections[id] = entry
	if len(r.connections) > r.peak {
		r.peak = len(r.connections)
	}
	log.WithFields(r.LogTags).Infof(
		"Registered connection %s. Active %d", id, len(r.connections),
	)
	return entry.snapshot(), nil
}

// Get fetch a snapshot of one connection record
func (r *connectionRegistryImpl) Get(id string) (Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entry, ok := r.connections[id]
	if !ok {
		return Connection{}, false
	}
	return entry.snapshot(), true
}

// GetAll fetch a snapshot of all connection records
func (r *connectionRegistryImpl) GetAll() map[string]Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make(map[string]Connection, len(r.connections))
	for id, entry := range r.connections {
		result[id] = entry.snapshot()
	}
	return result
}

// IsActive whether the connection exists and is active
func (r *connectionRegistryImpl) IsActive(id string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entry, ok := r.connections[id]
	return ok && entry.IsActive
}

// MarkActivity update the connection's last activity timestamp
func (r *connectionRegistryImpl) MarkActivity(id string, timestamp time.Time) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.connections[id]
	if !ok || !entry.IsActive {
		return false
	}
	if timestamp.After(entry.LastActivity) {
		entry.LastActivity = timestamp
	}
	return true
}

// LinkSubscription record subscription ownership on the connection
func (r *connectionRegistryImpl) LinkSubscription(connectionID, subscriptionID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.connections[connectionID]
	if !ok {
		return common.ErrConnectionNotFound
	}
	if !entry.IsActive {
		return common.ErrConnectionInactive
	}
	entry.SubscriptionIDs[subscriptionID] = true
	return nil
}

// UnlinkSubscription remove subscription ownership from the connection
func (r *connectionRegistryImpl) UnlinkSubscription(connectionID, subscriptionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if entry, ok := r.connections[connectionID]; ok {
		delete(entry.SubscriptionIDs, subscriptionID)
	}
}

// Close mark the connection inactive and remove its record
func (r *connectionRegistryImpl) Close(id string, timestamp time.Time) ([]string, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.connections[id]
	if !ok || !entry.IsActive {
		return nil, false
	}
	// Closing -> cascade happens on these IDs -> record removed
	entry.IsActive = false
	owned := make([]string, 0, len(entry.SubscriptionIDs))
	for subID := range entry.SubscriptionIDs {
		owned = append(owned, subID)
	}
	delete(r.connections, id)
	log.WithFields(r.LogTags).Infof(
		"Closed connection %s after %s. Cascading %d subscriptions",
		id, timestamp.Sub(entry.StartTime), len(owned),
	)
	return owned, true
}

// ActiveCount the current number of active connections
func (r *connectionRegistryImpl) ActiveCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	count := 0
	for _, entry := range r.connections {
		if entry.IsActive {
			count++
		}
	}
	return count
}

// Peak the high-water mark of concurrently active connections
func (r *connectionRegistryImpl) Peak() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.peak
}

// AverageConnectionAge mean age of the currently active connections
func (r *connectionRegistryImpl) AverageConnectionAge(now time.Time) time.Duration {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if len(r.connections) == 0 {
		return 0
	}
	var total time.Duration
	count := 0
	for _, entry := range r.connections {
		if entry.IsActive {
			total += now.Sub(entry.StartTime)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// StaleConnections report the connections whose inactivity exceeds their timeout
func (r *connectionRegistryImpl) StaleConnections(now time.Time) []StaleConnection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := []StaleConnection{}
	for _, entry := range r.connections {
		if !entry.IsActive {
			continue
		}
		inactiveFor := now.Sub(entry.LastActivity)
		if inactiveFor > entry.InactivityTimeout {
			result = append(result, StaleConnection{
				ID: entry.ID, LastActivity: entry.LastActivity, InactiveFor: inactiveFor,
			})
		}
	}
	return result
}
