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

package health

import (
	"sync/atomic"
	"time"
)

// Stats point-in-time view of the engine counters and gauges
type Stats struct {
	// MessagesReceived count of publish calls accepted since start
	MessagesReceived uint64 `json:"messages_received"`
	// MessagesSent count of successful subscriber deliveries since start
	MessagesSent uint64 `json:"messages_sent"`
	// DeliveryAttempts count of per-subscriber delivery and filter evaluations
	DeliveryAttempts uint64 `json:"delivery_attempts"`
	// DeliveryErrors count of contained per-subscriber failures
	DeliveryErrors uint64 `json:"delivery_errors"`
	// ActiveConnections current number of active connections
	ActiveConnections int `json:"active_connections"`
	// PeakConnections high-water mark of concurrently active connections
	PeakConnections int `json:"peak_connections"`
	// TotalSubscriptions current number of live subscriptions
	TotalSubscriptions int `json:"total_subscriptions"`
	// ErrorRate DeliveryErrors over DeliveryAttempts, cumulative since start
	ErrorRate float64 `json:"error_rate"`
	// AverageConnectionDuration mean age of the currently active connections
	AverageConnectionDuration time.Duration `json:"average_connection_duration"`
}

// StatsCollector monotonic counters updated from the hot paths. All methods
// are safe for concurrent use.
type StatsCollector struct {
	messagesReceived uint64
	messagesSent     uint64
	deliveryAttempts uint64
	deliveryErrors   uint64
}

// NewStatsCollector create new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// RecordPublish count one accepted publish call
func (c *StatsCollector) RecordPublish() {
	atomic.AddUint64(&c.messagesReceived, 1)
}

// RecordAttempt count one per-subscriber delivery or filter evaluation
func (c *StatsCollector) RecordAttempt() {
	atomic.AddUint64(&c.deliveryAttempts, 1)
}

// RecordDelivered count one successful subscriber delivery
func (c *StatsCollector) RecordDelivered() {
	atomic.AddUint64(&c.messagesSent, 1)
}

// RecordError count one contained per-subscriber failure
func (c *StatsCollector) RecordError() {
	atomic.AddUint64(&c.deliveryErrors, 1)
}

// MessagesReceived current accepted publish count
func (c *StatsCollector) MessagesReceived() uint64 {
	return atomic.LoadUint64(&c.messagesReceived)
}

// MessagesSent current successful delivery count
func (c *StatsCollector) MessagesSent() uint64 {
	return atomic.LoadUint64(&c.messagesSent)
}

// DeliveryAttempts current delivery attempt count
func (c *StatsCollector) DeliveryAttempts() uint64 {
	return atomic.LoadUint64(&c.deliveryAttempts)
}

// DeliveryErrors current contained failure count
func (c *StatsCollector) DeliveryErrors() uint64 {
	return atomic.LoadUint64(&c.deliveryErrors)
}

// ErrorRate contained failures over attempts, cumulative since start
func (c *StatsCollector) ErrorRate() float64 {
	attempts := c.DeliveryAttempts()
	if attempts == 0 {
		return 0
	}
	return float64(c.DeliveryErrors()) / float64(attempts)
}
