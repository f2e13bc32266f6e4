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

package engine

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/subrelay/auth"
	"github.com/alwitt/subrelay/common"
	"github.com/alwitt/subrelay/health"
	"github.com/alwitt/subrelay/middleware"
	"github.com/alwitt/subrelay/publisher"
	"github.com/alwitt/subrelay/registry"
	"github.com/alwitt/subrelay/subscription"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
)

// SubscribeRequest parameters for creating a new subscription
type SubscribeRequest struct {
	// ConnectionID the connection which will own the subscription
	ConnectionID string
	// Topic the topic to listen on
	Topic string
	// Filter optional subscribe-time filter predicate
	Filter subscription.Filter
	// Variables the resolver variables handed to the filter
	Variables map[string]interface{}
	// Options per-subscription options, nil for the configured defaults
	Options *subscription.Options
}

// SubscriptionEngine the core pub/sub engine.
//
// All mutations of the connection registry and subscription table flow
// through a single event loop, so cross-structure updates such as the close
// cascade are atomic with respect to each other. Publishes bypass the loop
// and fan out over point-in-time snapshots.
type SubscriptionEngine interface {
	// RegisterConnection authenticate a credential and add a new connection
	RegisterConnection(
		ctxt context.Context, credential string, param registry.ConnectionParams,
	) (registry.Connection, error)
	// CloseConnection close a connection, cascading removal of its
	// subscriptions. Returns the removed subscription IDs.
	CloseConnection(ctxt context.Context, connectionID string) ([]string, error)
	// Subscribe create a new subscription owned by an active connection
	Subscribe(ctxt context.Context, request SubscribeRequest) (subscription.Record, error)
	// Unsubscribe remove one subscription
	Unsubscribe(ctxt context.Context, subscriptionID string) error
	// Publish fan a payload out to the topic's subscribers, returning the
	// number of successful deliveries
	Publish(
		ctxt context.Context,
		topic string,
		payload common.Payload,
		publishFilter subscription.Filter,
	) (int, error)
	// Broadcast fan a payload out to every topic which currently has subscribers
	Broadcast(
		ctxt context.Context, payload common.Payload, publishFilter subscription.Filter,
	) (int, error)
	// MarkActivity record transport activity on a connection
	MarkActivity(connectionID string) bool
	// GetConnection fetch a snapshot of one connection
	GetConnection(connectionID string) (registry.Connection, bool)
	// ListConnections fetch a snapshot of all connections
	ListConnections() map[string]registry.Connection
	// GetSubscription fetch one subscription record
	GetSubscription(subscriptionID string) (subscription.Record, bool)
	// Topics list the topics which currently have subscribers
	Topics() []string
	// SubscribeDefaults the configured per-subscription option defaults
	SubscribeDefaults() subscription.Options
	// RegisterHooks append a middleware hook set
	RegisterHooks(hooks middleware.HookSet)
	// SetConnectionCloseListener register a callback fired after a connection
	// closed and its subscription cascade completed. Transports use this to
	// drop the backing session when the close originated elsewhere.
	SetConnectionCloseListener(listener func(connectionID string))
	// GetStats snapshot the current counters and gauges
	GetStats() health.Stats
	// HealthCheck evaluate engine health against the configured thresholds
	HealthCheck(ctxt context.Context) health.Report
	// RegisterMetrics expose the engine stats through a Prometheus registerer
	RegisterMetrics(registerer prometheus.Registerer) error
	// Start begin processing engine mutations, delivering through sendMessage
	Start(wg *sync.WaitGroup, sendMessage publisher.SendMessageCB) error
	// Stop stop the engine event loop
	Stop() error
}

// subscriptionEngineImpl implements SubscriptionEngine
type subscriptionEngineImpl struct {
	common.Component
	tp            common.TaskProcessor
	connections   registry.ConnectionRegistry
	subscriptions subscription.SubscriptionTable
	hooks         middleware.Chain
	stats         *health.StatsCollector
	monitor       health.Monitor
	authenticator auth.Authenticator
	defaults      subscription.Options
	// userContexts per-connection authenticated identity. Written by the event
	// loop, read on the subscribe path.
	userContexts     map[string]auth.UserContext
	userContextsLock *sync.RWMutex
	fanout           publisher.Publisher
	closeListener    func(connectionID string)
	running          bool
	stateLock        *sync.RWMutex
}

// DefineSubscriptionEngine create new subscription engine
func DefineSubscriptionEngine(
	ctxt context.Context,
	engineConfig common.EngineConfig,
	healthConfig common.HealthConfig,
	authenticator auth.Authenticator,
) (SubscriptionEngine, error) {
	logTags := log.Fields{
		"module": "engine", "component": "subscription-engine",
	}

	connections, err := registry.DefineConnectionRegistry(
		engineConfig.MaxConnections, engineConfig.SubscribeDefaults.ConnectionTimeoutDur(),
	)
	if err != nil {
		return nil, err
	}
	subscriptions, err := subscription.DefineSubscriptionTable()
	if err != nil {
		return nil, err
	}
	stats := health.NewStatsCollector()
	monitor, err := health.DefineMonitor(stats, connections, subscriptions, healthConfig)
	if err != nil {
		return nil, err
	}
	tp, err := common.GetNewTaskProcessorInstance(
		ctxt, "subscription-engine", engineConfig.TaskQueueLen,
	)
	if err != nil {
		return nil, err
	}

	instance := &subscriptionEngineImpl{
		Component:        common.Component{LogTags: logTags},
		tp:               tp,
		connections:      connections,
		subscriptions:    subscriptions,
		hooks:            middleware.DefineChain(),
		stats:            stats,
		monitor:          monitor,
		authenticator:    authenticator,
		defaults:         subscription.OptionsFromConfig(engineConfig.SubscribeDefaults),
		userContexts:     make(map[string]auth.UserContext),
		userContextsLock: &sync.RWMutex{},
		stateLock:        &sync.RWMutex{},
	}

	// Define the task processor handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(engineRegisterConnReq{}), instance.processRegisterConnection,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(engineCloseConnReq{}), instance.processCloseConnection,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(engineSubscribeReq{}), instance.processSubscribe,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(engineUnsubscribeReq{}), instance.processUnsubscribe,
	); err != nil {
		return nil, err
	}

	return instance, nil
}

// ===============================================================================
// Lifecycle

// Start begin processing engine mutations
func (e *subscriptionEngineImpl) Start(
	wg *sync.WaitGroup, sendMessage publisher.SendMessageCB,
) error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.running {
		return fmt.Errorf("engine already started")
	}
	fanout, err := publisher.DefinePublisher(
		e.subscriptions, e.connections, e.hooks, e.stats, sendMessage,
	)
	if err != nil {
		return err
	}
	if err := e.tp.StartEventLoop(wg); err != nil {
		return err
	}
	e.fanout = fanout
	e.running = true
	log.WithFields(e.LogTags).Info("Engine started")
	return nil
}

// Stop stop the engine event loop
func (e *subscriptionEngineImpl) Stop() error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	log.WithFields(e.LogTags).Info("Engine stopping")
	return e.tp.StopEventLoop()
}

// isRunning whether the engine accepts operations
func (e *subscriptionEngineImpl) isRunning() bool {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	return e.running
}

// ===============================================================================
// Connection lifecycle

type engineRegisterConnReq struct {
	param    registry.ConnectionParams
	user     auth.UserContext
	resultCB func(conn registry.Connection, err error)
}

// RegisterConnection authenticate a credential and add a new connection
func (e *subscriptionEngineImpl) RegisterConnection(
	ctxt context.Context, credential string, param registry.ConnectionParams,
) (registry.Connection, error) {
	localLogTags := common.UpdateLogTags(ctxt, e.LogTags)
	if !e.isRunning() {
		return registry.Connection{}, common.ErrNotRunning
	}
	user, err := e.authenticator.Authenticate(ctxt, credential)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Info("Connection rejected")
		return registry.Connection{}, err
	}
	if param.UserID == nil {
		param.UserID = user.UserID
	}

	resultChan := make(chan registry.Connection, 1)
	errChan := make(chan error, 1)
	request := engineRegisterConnReq{
		param: param,
		user:  user,
		resultCB: func(conn registry.Connection, err error) {
			if err != nil {
				errChan <- err
			} else {
				resultChan <- conn
			}
		},
	}
	if err := e.tp.Submit(ctxt, request); err != nil {
		return registry.Connection{}, err
	}
	select {
	case conn := <-resultChan:
		return conn, nil
	case err := <-errChan:
		return registry.Connection{}, err
	case <-ctxt.Done():
		return registry.Connection{}, ctxt.Err()
	}
}

func (e *subscriptionEngineImpl) processRegisterConnection(param interface{}) error {
	request, ok := param.(engineRegisterConnReq)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	conn, err := e.connections.Register(request.param, time.Now())
	if err == nil {
		e.userContextsLock.Lock()
		e.userContexts[conn.ID] = request.user
		e.userContextsLock.Unlock()
	}
	request.resultCB(conn, err)
	return nil
}

type engineCloseConnReq struct {
	connectionID string
	resultCB     func(removed []string, err error)
}

// CloseConnection close a connection, cascading removal of its subscriptions
func (e *subscriptionEngineImpl) CloseConnection(
	ctxt context.Context, connectionID string,
) ([]string, error) {
	if !e.isRunning() {
		return nil, common.ErrNotRunning
	}
	resultChan := make(chan []string, 1)
	errChan := make(chan error, 1)
	request := engineCloseConnReq{
		connectionID: connectionID,
		resultCB: func(removed []string, err error) {
			if err != nil {
				errChan <- err
			} else {
				resultChan <- removed
			}
		},
	}
	if err := e.tp.Submit(ctxt, request); err != nil {
		return nil, err
	}
	select {
	case removed := <-resultChan:
		return removed, nil
	case err := <-errChan:
		return nil, err
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

func (e *subscriptionEngineImpl) processCloseConnection(param interface{}) error {
	request, ok := param.(engineCloseConnReq)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	owned, closed := e.connections.Close(request.connectionID, time.Now())
	if !closed {
		request.resultCB(nil, common.ErrConnectionNotFound)
		return nil
	}
	// The cascade runs inside the event loop, so no subscribe or publish
	// mutation can interleave with it
	removed := make([]string, 0, len(owned))
	for _, subscriptionID := range owned {
		if _, ok := e.subscriptions.Remove(subscriptionID); ok {
			removed = append(removed, subscriptionID)
		}
	}
	e.userContextsLock.Lock()
	delete(e.userContexts, request.connectionID)
	e.userContextsLock.Unlock()
	log.WithFields(e.LogTags).Infof(
		"Closed %s. Removed %d subscriptions", request.connectionID, len(removed),
	)
	e.stateLock.RLock()
	closeListener := e.closeListener
	e.stateLock.RUnlock()
	if closeListener != nil {
		closeListener(request.connectionID)
	}
	request.resultCB(removed, nil)
	return nil
}

// ===============================================================================
// Subscription lifecycle

type engineSubscribeReq struct {
	request  SubscribeRequest
	resultCB func(record subscription.Record, err error)
}

// Subscribe create a new subscription owned by an active connection
func (e *subscriptionEngineImpl) Subscribe(
	ctxt context.Context, request SubscribeRequest,
) (subscription.Record, error) {
	localLogTags := common.UpdateLogTags(ctxt, e.LogTags)
	if !e.isRunning() {
		return subscription.Record{}, common.ErrNotRunning
	}
	if err := common.ValidateTopicName(request.Topic); err != nil {
		return subscription.Record{}, err
	}
	if !e.connections.IsActive(request.ConnectionID) {
		return subscription.Record{}, common.ErrConnectionNotFound
	}

	// Authorization and the subscribe veto run on the caller, keeping user
	// provided hooks out of the event loop
	e.userContextsLock.RLock()
	user := e.userContexts[request.ConnectionID]
	e.userContextsLock.RUnlock()
	if err := e.authenticator.Authorize(ctxt, user, request.Topic); err != nil {
		log.WithError(err).WithFields(localLogTags).Infof(
			"Subscribe on %s denied for %s", request.Topic, request.ConnectionID,
		)
		return subscription.Record{}, err
	}
	if err := e.hooks.BeforeSubscribe(ctxt, request.Topic, request.Variables); err != nil {
		return subscription.Record{}, err
	}

	resultChan := make(chan subscription.Record, 1)
	errChan := make(chan error, 1)
	task := engineSubscribeReq{
		request: request,
		resultCB: func(record subscription.Record, err error) {
			if err != nil {
				errChan <- err
			} else {
				resultChan <- record
			}
		},
	}
	if err := e.tp.Submit(ctxt, task); err != nil {
		return subscription.Record{}, err
	}
	select {
	case record := <-resultChan:
		e.hooks.AfterSubscribe(ctxt, record.ID, record.Topic)
		return record, nil
	case err := <-errChan:
		return subscription.Record{}, err
	case <-ctxt.Done():
		return subscription.Record{}, ctxt.Err()
	}
}

func (e *subscriptionEngineImpl) processSubscribe(param interface{}) error {
	task, ok := param.(engineSubscribeReq)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	request := task.request

	options := e.defaults
	if request.Options != nil {
		options = *request.Options
		if options.BufferSize <= 0 {
			options.BufferSize = e.defaults.BufferSize
		}
	}
	record, err := e.subscriptions.Create(subscription.CreateParams{
		Topic:             request.Topic,
		OwnerConnectionID: request.ConnectionID,
		Filter:            request.Filter,
		Variables:         request.Variables,
		Options:           options,
	}, time.Now())
	if err != nil {
		task.resultCB(subscription.Record{}, err)
		return nil
	}
	if err := e.connections.LinkSubscription(request.ConnectionID, record.ID); err != nil {
		// The owner vanished between the caller's check and now
		e.subscriptions.Remove(record.ID)
		task.resultCB(subscription.Record{}, err)
		return nil
	}
	e.connections.MarkActivity(request.ConnectionID, time.Now())
	task.resultCB(record, nil)
	return nil
}

type engineUnsubscribeReq struct {
	subscriptionID string
	resultCB       func(err error)
}

// Unsubscribe remove one subscription
func (e *subscriptionEngineImpl) Unsubscribe(
	ctxt context.Context, subscriptionID string,
) error {
	if !e.isRunning() {
		return common.ErrNotRunning
	}
	errChan := make(chan error, 1)
	task := engineUnsubscribeReq{
		subscriptionID: subscriptionID,
		resultCB:       func(err error) { errChan <- err },
	}
	if err := e.tp.Submit(ctxt, task); err != nil {
		return err
	}
	select {
	case err := <-errChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (e *subscriptionEngineImpl) processUnsubscribe(param interface{}) error {
	task, ok := param.(engineUnsubscribeReq)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	record, removed := e.subscriptions.Remove(task.subscriptionID)
	if !removed {
		task.resultCB(common.ErrSubscriptionNotFound)
		return nil
	}
	e.connections.UnlinkSubscription(record.OwnerConnectionID, record.ID)
	task.resultCB(nil)
	return nil
}

// ===============================================================================
// Fan-out

// Publish fan a payload out to the topic's subscribers
func (e *subscriptionEngineImpl) Publish(
	ctxt context.Context,
	topic string,
	payload common.Payload,
	publishFilter subscription.Filter,
) (int, error) {
	e.stateLock.RLock()
	fanout := e.fanout
	running := e.running
	e.stateLock.RUnlock()
	if !running {
		return 0, common.ErrNotRunning
	}
	return fanout.Publish(ctxt, topic, payload, publishFilter)
}

// Broadcast fan a payload out to every topic which currently has subscribers
func (e *subscriptionEngineImpl) Broadcast(
	ctxt context.Context, payload common.Payload, publishFilter subscription.Filter,
) (int, error) {
	e.stateLock.RLock()
	fanout := e.fanout
	running := e.running
	e.stateLock.RUnlock()
	if !running {
		return 0, common.ErrNotRunning
	}
	return fanout.Broadcast(ctxt, payload, publishFilter)
}

// ===============================================================================
// Introspection

// MarkActivity record transport activity on a connection
func (e *subscriptionEngineImpl) MarkActivity(connectionID string) bool {
	return e.connections.MarkActivity(connectionID, time.Now())
}

// GetConnection fetch a snapshot of one connection
func (e *subscriptionEngineImpl) GetConnection(connectionID string) (registry.Connection, bool) {
	return e.connections.Get(connectionID)
}

// ListConnections fetch a snapshot of all connections
func (e *subscriptionEngineImpl) ListConnections() map[string]registry.Connection {
	return e.connections.GetAll()
}

// GetSubscription fetch one subscription record
func (e *subscriptionEngineImpl) GetSubscription(
	subscriptionID string,
) (subscription.Record, bool) {
	return e.subscriptions.Get(subscriptionID)
}

// Topics list the topics which currently have subscribers
func (e *subscriptionEngineImpl) Topics() []string {
	return e.subscriptions.Topics()
}

// SubscribeDefaults the configured per-subscription option defaults
func (e *subscriptionEngineImpl) SubscribeDefaults() subscription.Options {
	return e.defaults
}

// RegisterHooks append a middleware hook set
func (e *subscriptionEngineImpl) RegisterHooks(hooks middleware.HookSet) {
	e.hooks.Register(hooks)
}

// SetConnectionCloseListener register a callback fired after a connection closed
func (e *subscriptionEngineImpl) SetConnectionCloseListener(
	listener func(connectionID string),
) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	e.closeListener = listener
}

// GetStats snapshot the current counters and gauges
func (e *subscriptionEngineImpl) GetStats() health.Stats {
	return e.monitor.GetStats()
}

// HealthCheck evaluate engine health against the configured thresholds
func (e *subscriptionEngineImpl) HealthCheck(ctxt context.Context) health.Report {
	return e.monitor.HealthCheck(ctxt)
}

// RegisterMetrics expose the engine stats through a Prometheus registerer
func (e *subscriptionEngineImpl) RegisterMetrics(registerer prometheus.Registerer) error {
	return e.monitor.RegisterMetrics(registerer)
}
