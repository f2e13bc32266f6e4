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

package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/subrelay/common"
	"github.com/alwitt/subrelay/health"
	"github.com/alwitt/subrelay/middleware"
	"github.com/alwitt/subrelay/subscription"
	"github.com/apex/log"
)

// SendMessageCB transport callback delivering one message to one subscriber.
// The publisher treats any returned error as a contained per-subscriber
// failure; it never aborts the fan-out.
type SendMessageCB func(ctxt context.Context, message common.Message) error

// ConnectionChecker the registry surface the publisher consults before
// attempting a delivery
type ConnectionChecker interface {
	// IsActive whether the connection exists and is active
	IsActive(id string) bool
}

// Publisher fans payloads out to the matching subscribers.
//
// Each subscriber is processed in its own goroutine with full isolation: a
// slow, failing, or panicking delivery affects only that subscriber. Fan-out
// iterates a point-in-time snapshot of the topic's subscriptions, so
// subscriptions created or removed mid-publish do not change the recipient
// set of that publish.
type Publisher interface {
	// Publish fan a payload out to the topic's subscribers, returning the
	// number of successful deliveries. A non-nil publishFilter replaces the
	// subscribe time filters for this one fan-out.
	Publish(
		ctxt context.Context,
		topic string,
		payload common.Payload,
		publishFilter subscription.Filter,
	) (int, error)
	// Broadcast fan a payload out to every topic which currently has
	// subscribers, returning the total number of successful deliveries
	Broadcast(
		ctxt context.Context, payload common.Payload, publishFilter subscription.Filter,
	) (int, error)
}

// publisherImpl implements Publisher
type publisherImpl struct {
	common.Component
	subscriptions subscription.SubscriptionTable
	connections   ConnectionChecker
	hooks         middleware.Chain
	stats         *health.StatsCollector
	sendMessage   SendMessageCB
}

// DefinePublisher create new publisher
func DefinePublisher(
	subscriptions subscription.SubscriptionTable,
	connections ConnectionChecker,
	hooks middleware.Chain,
	stats *health.StatsCollector,
	sendMessage SendMessageCB,
) (Publisher, error) {
	if sendMessage == nil {
		return nil, fmt.Errorf("publisher requires a send message callback")
	}
	logTags := log.Fields{
		"module": "publisher", "component": "fan-out",
	}
	return &publisherImpl{
		Component:     common.Component{LogTags: logTags},
		subscriptions: subscriptions,
		connections:   connections,
		hooks:         hooks,
		stats:         stats,
		sendMessage:   sendMessage,
	}, nil
}

// Publish fan a payload out to the topic's subscribers
func (p *publisherImpl) Publish(
	ctxt context.Context,
	topic string,
	payload common.Payload,
	publishFilter subscription.Filter,
) (int, error) {
	localLogTags := common.UpdateLogTags(ctxt, p.LogTags)
	if err := common.ValidateTopicName(topic); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Rejecting publish on topic '%s'", topic,
		)
		return 0, err
	}
	p.stats.RecordPublish()
	payload = p.hooks.BeforePublish(ctxt, topic, payload)
	targets := p.subscriptions.TopicSnapshot(topic)
	delivered := p.fanOut(ctxt, topic, payload, targets, publishFilter)
	p.hooks.AfterPublish(ctxt, topic, payload, delivered)
	log.WithFields(localLogTags).Debugf(
		"Published on %s. Delivered %d of %d", topic, delivered, len(targets),
	)
	return delivered, nil
}

// Broadcast fan a payload out to every topic which currently has subscribers
func (p *publisherImpl) Broadcast(
	ctxt context.Context, payload common.Payload, publishFilter subscription.Filter,
) (int, error) {
	total := 0
	for _, topic := range p.subscriptions.Topics() {
		delivered, err := p.Publish(ctxt, topic, payload, publishFilter)
		if err != nil {
			return total, err
		}
		total += delivered
	}
	return total, nil
}

// fanOut deliver the payload to each target in parallel, returning the
// number of successful deliveries
func (p *publisherImpl) fanOut(
	ctxt context.Context,
	topic string,
	payload common.Payload,
	targets []subscription.Record,
	publishFilter subscription.Filter,
) int {
	if len(targets) == 0 {
		return 0
	}
	sentAt := time.Now()
	var delivered int64
	wg := sync.WaitGroup{}
	for _, target := range targets {
		wg.Add(1)
		go func(target subscription.Record) {
			defer wg.Done()
			if p.deliverOne(ctxt, topic, payload, target, publishFilter, sentAt) {
				atomic.AddInt64(&delivered, 1)
			}
		}(target)
	}
	wg.Wait()
	return int(delivered)
}

// deliverOne evaluate the filter and attempt delivery for one subscriber.
// All failure modes are contained to this subscriber.
func (p *publisherImpl) deliverOne(
	ctxt context.Context,
	topic string,
	payload common.Payload,
	target subscription.Record,
	publishFilter subscription.Filter,
	sentAt time.Time,
) (success bool) {
	// An inactive owner is not a delivery failure. The subscriber is simply
	// no longer reachable, so it never counts as an attempt.
	if !p.connections.IsActive(target.OwnerConnectionID) {
		return false
	}
	p.stats.RecordAttempt()
	defer func() {
		if recovered := recover(); recovered != nil {
			success = false
			err := fmt.Errorf("delivery to %s panicked: %v", target.ID, recovered)
			log.WithError(err).WithFields(p.LogTags).Error("Contained fan-out panic")
			p.stats.RecordError()
			p.hooks.FireError(ctxt, err, target.ID)
		}
	}()
	filter := target.Filter
	if publishFilter != nil {
		filter = publishFilter
	}
	if filter != nil {
		matched, err := filter.Match(ctxt, payload, target.Variables)
		if err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf(
				"Filter failed for %s on %s", target.ID, topic,
			)
			p.stats.RecordError()
			p.hooks.FireError(ctxt, err, target.ID)
			return false
		}
		if !matched {
			return false
		}
	}
	message := common.Message{
		SubscriptionID: target.ID,
		Topic:          topic,
		Payload:        payload,
		SentAt:         sentAt,
	}
	if err := p.sendMessage(ctxt, message); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Delivery failed for %s on %s", target.ID, topic,
		)
		p.stats.RecordError()
		p.hooks.FireError(ctxt, err, target.ID)
		return false
	}
	p.stats.RecordDelivered()
	return true
}
