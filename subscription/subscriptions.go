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

package subscription

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/subrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Filter per-subscription predicate deciding whether a payload reaches the
// subscriber. Implementations must be safe for concurrent use; a returned
// error excludes the subscriber from that one fan-out only.
type Filter interface {
	// Match test the payload against the subscription's variables
	Match(
		ctxt context.Context, payload common.Payload, variables map[string]interface{},
	) (bool, error)
}

// FilterFunc adapter to allow plain functions as Filters
type FilterFunc func(
	ctxt context.Context, payload common.Payload, variables map[string]interface{},
) (bool, error)

// Match calls f
func (f FilterFunc) Match(
	ctxt context.Context, payload common.Payload, variables map[string]interface{},
) (bool, error) {
	return f(ctxt, payload, variables)
}

// Options per-subscription options. All advisory hints for the transport
// layer; the engine itself only reads BufferSize when sizing delivery queues.
type Options struct {
	// BufferSize advisory per-subscriber delivery buffer size
	BufferSize int `json:"buffer_size" validate:"gte=1"`
	// KeepAlive whether transport keep-alive probing is requested
	KeepAlive bool `json:"keep_alive"`
	// KeepAliveInterval keep-alive probe interval
	KeepAliveInterval time.Duration `json:"keep_alive_interval"`
	// ConnectionTimeout inactivity period before the connection is a close candidate
	ConnectionTimeout time.Duration `json:"connection_timeout"`
	// EnableCompression requests transport level message compression
	EnableCompression bool `json:"enable_compression"`
	// EnableBatching requests transport level message batching
	EnableBatching bool `json:"enable_batching"`
}

// OptionsFromConfig build Options from the configured defaults
func OptionsFromConfig(config common.SubscribeDefaultsConfig) Options {
	return Options{
		BufferSize:        config.BufferSize,
		KeepAlive:         config.KeepAlive,
		KeepAliveInterval: config.KeepAliveIntervalDur(),
		ConnectionTimeout: config.ConnectionTimeoutDur(),
		EnableCompression: config.EnableCompression,
		EnableBatching:    config.EnableBatching,
	}
}

// Record one registered interest in a topic, owned by exactly one connection
type Record struct {
	// ID the globally unique subscription ID
	ID string `json:"id" validate:"required"`
	// Topic the topic the subscription listens on
	Topic string `json:"topic" validate:"required"`
	// OwnerConnectionID the connection owning this subscription
	OwnerConnectionID string `json:"owner_connection_id" validate:"required"`
	// Filter optional subscribe-time filter predicate
	Filter Filter `json:"-"`
	// Variables the resolver variables handed to the filter on every candidate payload
	Variables map[string]interface{} `json:"variables,omitempty"`
	// Options per-subscription options
	Options Options `json:"options"`
	// CreatedAt when the subscription was registered
	CreatedAt time.Time `json:"created_at"`
}

// CreateParams parameters for creating a new subscription
type CreateParams struct {
	// Topic the topic to listen on
	Topic string
	// OwnerConnectionID the connection owning the subscription
	OwnerConnectionID string
	// Filter optional subscribe-time filter predicate
	Filter Filter
	// Variables the resolver variables handed to the filter
	Variables map[string]interface{}
	// Options per-subscription options
	Options Options
}

// SubscriptionTable owns the subscription records and the topic index over
// them. Reads by topic return point-in-time snapshots so fan-out iteration is
// never affected by in-flight mutation.
type SubscriptionTable interface {
	// Create insert a new subscription record under a freshly allocated ID
	Create(param CreateParams, timestamp time.Time) (Record, error)
	// Get fetch one subscription record
	Get(id string) (Record, bool)
	// Remove delete a subscription record. Idempotent; false when unknown.
	Remove(id string) (Record, bool)
	// TopicSnapshot fetch a point-in-time copy of a topic's subscriptions
	TopicSnapshot(topic string) []Record
	// Topics list the topics which currently have subscribers
	Topics() []string
	// Size the current number of live subscriptions
	Size() int
}

// subscriptionTableImpl implements SubscriptionTable
type subscriptionTableImpl struct {
	common.Component
	lock          *sync.RWMutex
	subscriptions map[string]*Record
	// topicIndex topic name -> set of subscription IDs. Entries are created
	// lazily on first subscribe and dropped when their set empties.
	topicIndex map[string]map[string]bool
	idCounter  uint64
}

// DefineSubscriptionTable create new subscription table
func DefineSubscriptionTable() (SubscriptionTable, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "subscription-table",
	}
	return &subscriptionTableImpl{
		Component:     common.Component{LogTags: logTags},
		lock:          &sync.RWMutex{},
		subscriptions: make(map[string]*Record),
		topicIndex:    make(map[string]map[string]bool),
	}, nil
}

// allocateID produce a collision resistant subscription ID. The monotonic
// counter keeps IDs unique across the process lifetime even if the random
// suffix were ever to repeat.
func (t *subscriptionTableImpl) allocateID() string {
	seq := atomic.AddUint64(&t.idCounter, 1)
	suffix := strings.SplitN(uuid.New().String(), "-", 2)[0]
	return fmt.Sprintf("sub-%d-%s", seq, suffix)
}

// Create insert a new subscription record under a freshly allocated ID
func (t *subscriptionTableImpl) Create(param CreateParams, timestamp time.Time) (Record, error) {
	if err := common.ValidateTopicName(param.Topic); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf(
			"Rejecting subscription on topic '%s'", param.Topic,
		)
		return Record{}, err
	}
	if param.OwnerConnectionID == "" {
		return Record{}, fmt.Errorf("subscription must name an owning connection")
	}
	entry := &Record{
		ID:                t.allocateID(),
		Topic:             param.Topic,
		OwnerConnectionID: param.OwnerConnectionID,
		Filter:            param.Filter,
		Variables:         param.Variables,
		Options:           param.Options,
		CreatedAt:         timestamp,
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	t.subscriptions[entry.ID] = entry
	index, ok := t.topicIndex[param.Topic]
	if !ok {
		index = make(map[string]bool)
		t.topicIndex[param.Topic] = index
	}
	index[entry.ID] = true
	log.WithFields(t.LogTags).Infof(
		"Registered %s on topic %s for %s", entry.ID, entry.Topic, entry.OwnerConnectionID,
	)
	return *entry, nil
}

// Get fetch one subscription record
func (t *subscriptionTableImpl) Get(id string) (Record, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	entry, ok := t.subscriptions[id]
	if !ok {
		return Record{}, false
	}
	return *entry, true
}

// Remove delete a subscription record
func (t *subscriptionTableImpl) Remove(id string) (Record, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	entry, ok := t.subscriptions[id]
	if !ok {
		return Record{}, false
	}
	delete(t.subscriptions, id)
	if index, ok := t.topicIndex[entry.Topic]; ok {
		delete(index, id)
		if len(index) == 0 {
			delete(t.topicIndex, entry.Topic)
		}
	}
	log.WithFields(t.LogTags).Infof("Removed %s from topic %s", id, entry.Topic)
	return *entry, true
}

// TopicSnapshot fetch a point-in-time copy of a topic's subscriptions
func (t *subscriptionTableImpl) TopicSnapshot(topic string) []Record {
	t.lock.RLock()
	defer t.lock.RUnlock()
	index, ok := t.topicIndex[topic]
	if !ok {
		return nil
	}
	result := make([]Record, 0, len(index))
	for id := range index {
		if entry, ok := t.subscriptions[id]; ok {
			result = append(result, *entry)
		}
	}
	return result
}

// Topics list the topics which currently have subscribers
func (t *subscriptionTableImpl) Topics() []string {
	t.lock.RLock()
	defer t.lock.RUnlock()
	result := make([]string, 0, len(t.topicIndex))
	for topic := range t.topicIndex {
		result = append(result, topic)
	}
	return result
}

// Size the current number of live subscriptions
func (t *subscriptionTableImpl) Size() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.subscriptions)
}
