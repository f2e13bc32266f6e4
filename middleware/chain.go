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

package middleware

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/subrelay/common"
	"github.com/apex/log"
)

// BeforeSubscribeCB hook invoked ahead of subscription creation. A returned
// error vetoes the subscribe call.
type BeforeSubscribeCB func(
	ctxt context.Context, topic string, variables map[string]interface{},
) error

// AfterSubscribeCB observational hook invoked after a subscription was created
type AfterSubscribeCB func(ctxt context.Context, subscriptionID, topic string) error

// BeforePublishCB hook which may transform the payload ahead of fan-out.
// Stages run in registration order, each receiving the previous stage's output.
type BeforePublishCB func(
	ctxt context.Context, topic string, payload common.Payload,
) (common.Payload, error)

// AfterPublishCB observational hook invoked after a fan-out completes
type AfterPublishCB func(
	ctxt context.Context, topic string, payload common.Payload, subscriberCount int,
) error

// OnErrorCB hook invoked whenever a hook, filter, or delivery fails.
// subscriptionID is empty when the failure is not tied to one subscriber.
type OnErrorCB func(ctxt context.Context, cause error, subscriptionID string)

// HookSet one registration of optional hooks. Nil members are skipped.
type HookSet struct {
	// Name identifies the registration in logs
	Name string
	// BeforeSubscribe may veto a subscribe call
	BeforeSubscribe BeforeSubscribeCB
	// AfterSubscribe observes successful subscribes
	AfterSubscribe AfterSubscribeCB
	// BeforePublish may transform the payload ahead of fan-out
	BeforePublish BeforePublishCB
	// AfterPublish observes completed fan-outs
	AfterPublish AfterPublishCB
	// OnError observes contained failures
	OnError OnErrorCB
}

// Chain ordered list of hook sets executed in registration order.
//
// Apart from the BeforeSubscribe veto, no hook failure ever aborts the
// pipeline: failures are routed to the OnError hooks, and OnError's own
// failures are only logged at debug severity.
type Chain interface {
	// Register append a hook set to the chain
	Register(hooks HookSet)
	// BeforeSubscribe run the subscribe veto stage
	BeforeSubscribe(ctxt context.Context, topic string, variables map[string]interface{}) error
	// AfterSubscribe run the subscribe observation stage
	AfterSubscribe(ctxt context.Context, subscriptionID, topic string)
	// BeforePublish run the payload transform stage
	BeforePublish(ctxt context.Context, topic string, payload common.Payload) common.Payload
	// AfterPublish run the publish observation stage
	AfterPublish(ctxt context.Context, topic string, payload common.Payload, subscriberCount int)
	// FireError route a contained failure to the OnError hooks
	FireError(ctxt context.Context, cause error, subscriptionID string)
}

// chainImpl implements Chain
type chainImpl struct {
	common.Component
	lock  *sync.RWMutex
	hooks []HookSet
}

// DefineChain create new middleware chain
func DefineChain() Chain {
	logTags := log.Fields{
		"module": "middleware", "component": "hook-chain",
	}
	return &chainImpl{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.RWMutex{},
		hooks:     []HookSet{},
	}
}

// Register append a hook set to the chain
func (c *chainImpl) Register(hooks HookSet) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.hooks = append(c.hooks, hooks)
	log.WithFields(c.LogTags).Infof("Registered hook set '%s'", hooks.Name)
}

// registrations fetch the current hook sets
func (c *chainImpl) registrations() []HookSet {
	c.lock.RLock()
	defer c.lock.RUnlock()
	result := make([]HookSet, len(c.hooks))
	copy(result, c.hooks)
	return result
}

// invokeHook run one hook callback, converting a panic into an error so a
// registered hook can never unwind the caller
func invokeHook(stage, name string, hook func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("hook set '%s' %s panic: %v", name, stage, recovered)
		}
	}()
	return hook()
}

// BeforeSubscribe run the subscribe veto stage
func (c *chainImpl) BeforeSubscribe(
	ctxt context.Context, topic string, variables map[string]interface{},
) error {
	for _, hooks := range c.registrations() {
		if hooks.BeforeSubscribe == nil {
			continue
		}
		err := invokeHook("before-subscribe", hooks.Name, func() error {
			return hooks.BeforeSubscribe(ctxt, topic, variables)
		})
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Infof(
				"Hook set '%s' vetoed subscribe on %s", hooks.Name, topic,
			)
			return err
		}
	}
	return nil
}

// AfterSubscribe run the subscribe observation stage
func (c *chainImpl) AfterSubscribe(ctxt context.Context, subscriptionID, topic string) {
	for _, hooks := range c.registrations() {
		if hooks.AfterSubscribe == nil {
			continue
		}
		err := invokeHook("after-subscribe", hooks.Name, func() error {
			return hooks.AfterSubscribe(ctxt, subscriptionID, topic)
		})
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Hook set '%s' after-subscribe failed for %s", hooks.Name, subscriptionID,
			)
			c.FireError(ctxt, err, subscriptionID)
		}
	}
}

// BeforePublish run the payload transform stage. A failing stage leaves the
// payload as the previous stage produced it.
func (c *chainImpl) BeforePublish(
	ctxt context.Context, topic string, payload common.Payload,
) common.Payload {
	current := payload
	for _, hooks := range c.registrations() {
		if hooks.BeforePublish == nil {
			continue
		}
		var transformed common.Payload
		err := invokeHook("before-publish", hooks.Name, func() error {
			var hookErr error
			transformed, hookErr = hooks.BeforePublish(ctxt, topic, current)
			return hookErr
		})
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Hook set '%s' before-publish failed on %s", hooks.Name, topic,
			)
			c.FireError(ctxt, err, "")
			continue
		}
		current = transformed
	}
	return current
}

// AfterPublish run the publish observation stage
func (c *chainImpl) AfterPublish(
	ctxt context.Context, topic string, payload common.Payload, subscriberCount int,
) {
	for _, hooks := range c.registrations() {
		if hooks.AfterPublish == nil {
			continue
		}
		err := invokeHook("after-publish", hooks.Name, func() error {
			return hooks.AfterPublish(ctxt, topic, payload, subscriberCount)
		})
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Hook set '%s' after-publish failed on %s", hooks.Name, topic,
			)
			c.FireError(ctxt, err, "")
		}
	}
}

// FireError route a contained failure to the OnError hooks
func (c *chainImpl) FireError(ctxt context.Context, cause error, subscriptionID string) {
	for _, hooks := range c.registrations() {
		if hooks.OnError == nil {
			continue
		}
		err := invokeHook("on-error", hooks.Name, func() error {
			hooks.OnError(ctxt, cause, subscriptionID)
			return nil
		})
		if err != nil {
			log.WithFields(c.LogTags).Debugf("Swallowed %s", err)
		}
	}
}
