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

package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alwitt/subrelay/common"
	"github.com/alwitt/subrelay/core"
	"github.com/alwitt/subrelay/engine"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// EventIngress bridges events arriving on a NATS subject tree into engine
// publishes. The engine never pulls from NATS; this is a push-only feed for
// producers living outside the process.
type EventIngress interface {
	// Start subscribe to the subject tree and begin forwarding
	Start() error
	// Stop drain the subscription
	Stop(ctxt context.Context) error
}

// eventIngressImpl implements EventIngress
type eventIngressImpl struct {
	common.Component
	client        core.NatsClient
	engine        engine.SubscriptionEngine
	subject       string
	subjectPrefix string
	operateCtxt   context.Context
	subscription  *nats.Subscription
}

// DefineEventIngress create new NATS event ingress
func DefineEventIngress(
	ctxt context.Context,
	client core.NatsClient,
	config common.ProducerConfig,
	subEngine engine.SubscriptionEngine,
) (EventIngress, error) {
	if config.Subject == "" {
		return nil, fmt.Errorf("event ingress requires a subject")
	}
	logTags := log.Fields{
		"module": "producer", "component": "nats-ingress", "subject": config.Subject,
	}
	prefix := config.SubjectPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix = prefix + "."
	}
	return &eventIngressImpl{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		engine:        subEngine,
		subject:       config.Subject,
		subjectPrefix: prefix,
		operateCtxt:   ctxt,
	}, nil
}

// Start subscribe to the subject tree and begin forwarding
func (p *eventIngressImpl) Start() error {
	subscription, err := p.client.NATs().Subscribe(p.subject, p.handleEvent)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Subject subscribe failed")
		return err
	}
	p.subscription = subscription
	log.WithFields(p.LogTags).Info("Event ingress started")
	return nil
}

// Stop drain the subscription
func (p *eventIngressImpl) Stop(ctxt context.Context) error {
	if p.subscription == nil {
		return nil
	}
	if err := p.subscription.Drain(); err != nil {
		return err
	}
	log.WithFields(p.LogTags).Info("Event ingress stopped")
	return nil
}

// handleEvent forward one NATS message into the engine
func (p *eventIngressImpl) handleEvent(msg *nats.Msg) {
	topic := strings.TrimPrefix(msg.Subject, p.subjectPrefix)

	// A JSON body carrying a payload envelope is used as-is, anything else
	// is forwarded raw
	var payload common.Payload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Data == nil {
		payload = common.Payload{Data: string(msg.Data)}
	}

	delivered, err := p.engine.Publish(p.operateCtxt, topic, payload, nil)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Unable to forward event from %s", msg.Subject,
		)
		return
	}
	log.WithFields(p.LogTags).Debugf(
		"Forwarded event from %s to %d subscribers", msg.Subject, delivered,
	)
}
