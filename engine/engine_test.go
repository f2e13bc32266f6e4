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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/subrelay/auth"
	"github.com/alwitt/subrelay/common"
	"github.com/alwitt/subrelay/middleware"
	"github.com/alwitt/subrelay/registry"
	"github.com/alwitt/subrelay/subscription"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func utEngineConfig(maxConnections int) common.EngineConfig {
	return common.EngineConfig{
		MaxConnections: maxConnections,
		TaskQueueLen:   16,
		SubscribeDefaults: common.SubscribeDefaultsConfig{
			BufferSize:        100,
			KeepAlive:         true,
			KeepAliveInterval: 30,
			ConnectionTimeout: 300,
		},
	}
}

func utHealthConfig() common.HealthConfig {
	return common.HealthConfig{
		ErrorRateThreshold:    0.1,
		MemoryWarnPercent:     80.0,
		MemoryCriticalPercent: 95.0,
	}
}

// engineTestEnv a started engine with a message sink attached
type engineTestEnv struct {
	uut    SubscriptionEngine
	wg     sync.WaitGroup
	cancel context.CancelFunc

	sinkLock sync.Mutex
	received map[string][]common.Message
}

func defineEngineTestEnv(
	t *testing.T, maxConnections int, authenticator auth.Authenticator,
) *engineTestEnv {
	assert := assert.New(t)
	if authenticator == nil {
		var err error
		authenticator, err = auth.DefineAuthenticator(common.AuthConfig{Mode: "none"})
		assert.Nil(err)
	}
	ctxt, cancel := context.WithCancel(context.Background())
	env := &engineTestEnv{
		cancel: cancel, received: make(map[string][]common.Message),
	}
	uut, err := DefineSubscriptionEngine(
		ctxt, utEngineConfig(maxConnections), utHealthConfig(), authenticator,
	)
	assert.Nil(err)
	env.uut = uut
	assert.Nil(uut.Start(&env.wg, env.send))
	return env
}

func (e *engineTestEnv) send(_ context.Context, message common.Message) error {
	e.sinkLock.Lock()
	defer e.sinkLock.Unlock()
	e.received[message.SubscriptionID] = append(e.received[message.SubscriptionID], message)
	return nil
}

func (e *engineTestEnv) countFor(subscriptionID string) int {
	e.sinkLock.Lock()
	defer e.sinkLock.Unlock()
	return len(e.received[subscriptionID])
}

func (e *engineTestEnv) shutdown(t *testing.T) {
	assert := assert.New(t)
	assert.Nil(e.uut.Stop())
	e.cancel()
	e.wg.Wait()
}

func TestEngineCloseListener(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	env := defineEngineTestEnv(t, 8, nil)
	defer env.shutdown(t)
	uut := env.uut

	notified := []string{}
	uut.SetConnectionCloseListener(func(connectionID string) {
		notified = append(notified, connectionID)
	})

	// Case 0: the listener fires once the close cascade completed
	conn, err := uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.Nil(err)
	_, err = uut.Subscribe(utCtxt, SubscribeRequest{ConnectionID: conn.ID, Topic: "orders"})
	assert.Nil(err)
	_, err = uut.CloseConnection(utCtxt, conn.ID)
	assert.Nil(err)
	assert.Equal([]string{conn.ID}, notified)

	// Case 1: closing an unknown connection never fires the listener
	_, err = uut.CloseConnection(utCtxt, "conn-unknown")
	assert.Equal(common.ErrConnectionNotFound, err)
	assert.Len(notified, 1)
}

func TestEngineConnectionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()
	env := defineEngineTestEnv(t, 8, nil)
	defer env.shutdown(t)
	uut := env.uut

	// Case 0: register with a generated ID
	conn0, err := uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.Nil(err)
	assert.NotEmpty(conn0.ID)
	assert.True(conn0.IsActive)

	// Case 1: register with a caller chosen ID
	conn1, err := uut.RegisterConnection(
		utCtxt, "", registry.ConnectionParams{ID: "conn-ut-1"},
	)
	assert.Nil(err)
	assert.Equal("conn-ut-1", conn1.ID)
	fetched, ok := uut.GetConnection("conn-ut-1")
	assert.True(ok)
	assert.Equal("conn-ut-1", fetched.ID)
	assert.Len(uut.ListConnections(), 2)

	// Case 2: duplicate ID is rejected
	_, err = uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{ID: "conn-ut-1"})
	assert.NotNil(err)

	// Case 3: closing cascades subscription removal
	sub0, err := uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn1.ID, Topic: "orders",
	})
	assert.Nil(err)
	sub1, err := uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn1.ID, Topic: "payments",
	})
	assert.Nil(err)
	removed, err := uut.CloseConnection(utCtxt, conn1.ID)
	assert.Nil(err)
	assert.ElementsMatch([]string{sub0.ID, sub1.ID}, removed)
	_, ok = uut.GetSubscription(sub0.ID)
	assert.False(ok)
	_, ok = uut.GetSubscription(sub1.ID)
	assert.False(ok)
	_, ok = uut.GetConnection(conn1.ID)
	assert.False(ok)

	// Case 4: closing again reports not found
	_, err = uut.CloseConnection(utCtxt, conn1.ID)
	assert.ErrorIs(err, common.ErrConnectionNotFound)

	// Case 5: subscribing against a closed connection fails
	_, err = uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn1.ID, Topic: "orders",
	})
	assert.ErrorIs(err, common.ErrConnectionNotFound)
}

func TestEngineSubscriptionLifecycle(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	env := defineEngineTestEnv(t, 8, nil)
	defer env.shutdown(t)
	uut := env.uut

	conn, err := uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.Nil(err)

	// Case 0: defaults are applied when no options given
	record, err := uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn.ID, Topic: "orders",
	})
	assert.Nil(err)
	assert.Equal(uut.SubscribeDefaults(), record.Options)
	ownerView, ok := uut.GetConnection(conn.ID)
	assert.True(ok)
	assert.True(ownerView.SubscriptionIDs[record.ID])

	// Case 1: caller options are honored, zero buffer falls back to the default
	custom := subscription.Options{BufferSize: 0, EnableBatching: true}
	record2, err := uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn.ID, Topic: "orders", Options: &custom,
	})
	assert.Nil(err)
	assert.True(record2.Options.EnableBatching)
	assert.Equal(uut.SubscribeDefaults().BufferSize, record2.Options.BufferSize)

	// Case 2: malformed topics are rejected
	_, err = uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn.ID, Topic: ".bad",
	})
	assert.ErrorIs(err, common.ErrMalformedTopic)

	// Case 3: unsubscribe removes the record and the ownership link
	assert.Nil(uut.Unsubscribe(utCtxt, record.ID))
	_, ok = uut.GetSubscription(record.ID)
	assert.False(ok)
	ownerView, ok = uut.GetConnection(conn.ID)
	assert.True(ok)
	assert.False(ownerView.SubscriptionIDs[record.ID])

	// Case 4: unsubscribing twice reports not found
	assert.ErrorIs(uut.Unsubscribe(utCtxt, record.ID), common.ErrSubscriptionNotFound)

	// Case 5: topics reflect the live subscriptions
	assert.Equal([]string{"orders"}, uut.Topics())
}

func TestEngineConnectionCapacity(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	env := defineEngineTestEnv(t, 2, nil)
	defer env.shutdown(t)
	uut := env.uut

	// Case 0: the limit is enforced
	conn0, err := uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.Nil(err)
	_, err = uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.Nil(err)
	_, err = uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.ErrorIs(err, common.ErrCapacityExceeded)

	// Case 1: closing frees a slot
	_, err = uut.CloseConnection(utCtxt, conn0.ID)
	assert.Nil(err)
	_, err = uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.Nil(err)

	// Case 2: the peak survives the close
	assert.Equal(2, uut.GetStats().PeakConnections)
}

func TestEngineAuthIntegration(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	authenticator, err := auth.DefineAuthenticator(common.AuthConfig{
		Mode: "static",
		Tokens: []common.StaticTokenConfig{
			{Token: "token-alpha", UserID: "alpha", Topics: []string{"orders.*"}},
		},
	})
	assert.Nil(err)
	env := defineEngineTestEnv(t, 8, authenticator)
	defer env.shutdown(t)
	uut := env.uut

	// Case 0: missing credential
	_, err = uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.ErrorIs(err, common.ErrAuthenticationRequired)

	// Case 1: unknown credential
	_, err = uut.RegisterConnection(utCtxt, "token-bogus", registry.ConnectionParams{})
	assert.ErrorIs(err, common.ErrAuthorizationDenied)

	// Case 2: the resolved user is attached to the connection
	conn, err := uut.RegisterConnection(utCtxt, "token-alpha", registry.ConnectionParams{})
	assert.Nil(err)
	assert.Equal("alpha", *conn.UserID)

	// Case 3: topic authorization gates subscribes
	_, err = uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn.ID, Topic: "orders.eu",
	})
	assert.Nil(err)
	_, err = uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn.ID, Topic: "audit",
	})
	assert.ErrorIs(err, common.ErrAuthorizationDenied)
}

func TestEngineHookIntegration(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	env := defineEngineTestEnv(t, 8, nil)
	defer env.shutdown(t)
	uut := env.uut

	observed := []string{}
	var observedLock sync.Mutex
	uut.RegisterHooks(middleware.HookSet{
		Name: "gate",
		BeforeSubscribe: func(_ context.Context, topic string, _ map[string]interface{}) error {
			if topic == "restricted" {
				return fmt.Errorf("topic is restricted")
			}
			return nil
		},
		AfterSubscribe: func(_ context.Context, subscriptionID, _ string) error {
			observedLock.Lock()
			defer observedLock.Unlock()
			observed = append(observed, subscriptionID)
			return nil
		},
	})

	conn, err := uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.Nil(err)

	// Case 0: the veto blocks subscription creation entirely
	_, err = uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn.ID, Topic: "restricted",
	})
	assert.NotNil(err)
	assert.Equal(0, uut.GetStats().TotalSubscriptions)

	// Case 1: successful subscribes are observed
	record, err := uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn.ID, Topic: "orders",
	})
	assert.Nil(err)
	observedLock.Lock()
	assert.Equal([]string{record.ID}, observed)
	observedLock.Unlock()
}

func TestEngineFanOut(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	env := defineEngineTestEnv(t, 8, nil)
	defer env.shutdown(t)
	uut := env.uut

	conn, err := uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.Nil(err)

	evenOnly := subscription.FilterFunc(func(
		_ context.Context, payload common.Payload, _ map[string]interface{},
	) (bool, error) {
		value, ok := payload.Data.(int)
		return ok && value%2 == 0, nil
	})
	filtered, err := uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn.ID, Topic: "numbers", Filter: evenOnly,
	})
	assert.Nil(err)
	unfiltered, err := uut.Subscribe(utCtxt, SubscribeRequest{
		ConnectionID: conn.ID, Topic: "numbers",
	})
	assert.Nil(err)

	// Case 0: filters shape the recipient set
	delivered, err := uut.Publish(utCtxt, "numbers", common.Payload{Data: 1}, nil)
	assert.Nil(err)
	assert.Equal(1, delivered)
	delivered, err = uut.Publish(utCtxt, "numbers", common.Payload{Data: 2}, nil)
	assert.Nil(err)
	assert.Equal(2, delivered)
	assert.Equal(1, env.countFor(filtered.ID))
	assert.Equal(2, env.countFor(unfiltered.ID))

	// Case 1: unsubscribed subscribers stop receiving
	assert.Nil(uut.Unsubscribe(utCtxt, unfiltered.ID))
	delivered, err = uut.Publish(utCtxt, "numbers", common.Payload{Data: 4}, nil)
	assert.Nil(err)
	assert.Equal(1, delivered)
	assert.Equal(2, env.countFor(filtered.ID))

	// Case 2: stats reflect the traffic
	stats := uut.GetStats()
	assert.Equal(uint64(3), stats.MessagesReceived)
	assert.Equal(uint64(4), stats.MessagesSent)
	assert.Equal(uint64(0), stats.DeliveryErrors)

	// Case 3: a quiet engine reports healthy
	report := uut.HealthCheck(utCtxt)
	assert.True(report.Healthy)
}

func TestEngineLifecycleGating(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	authenticator, err := auth.DefineAuthenticator(common.AuthConfig{Mode: "none"})
	assert.Nil(err)
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := DefineSubscriptionEngine(
		ctxt, utEngineConfig(4), utHealthConfig(), authenticator,
	)
	assert.Nil(err)

	// Case 0: operations before start are refused
	_, err = uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.ErrorIs(err, common.ErrNotRunning)
	_, err = uut.Publish(utCtxt, "orders", common.Payload{Data: "m"}, nil)
	assert.ErrorIs(err, common.ErrNotRunning)

	// Case 1: operations after stop are refused
	wg := sync.WaitGroup{}
	assert.Nil(uut.Start(&wg, func(_ context.Context, _ common.Message) error {
		return nil
	}))
	conn, err := uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
	assert.Nil(err)
	assert.Nil(uut.Stop())
	_, err = uut.Subscribe(utCtxt, SubscribeRequest{ConnectionID: conn.ID, Topic: "orders"})
	assert.ErrorIs(err, common.ErrNotRunning)
	cancel()
	wg.Wait()

	// Case 2: stopping twice is a no-op
	assert.Nil(uut.Stop())
}

func TestEngineConcurrentChurn(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	env := defineEngineTestEnv(t, 128, nil)
	defer env.shutdown(t)
	uut := env.uut

	// 100 workers each register, subscribe, publish, unsubscribe, and close
	// concurrently. The structures must stay consistent throughout.
	workers := 100
	wg := sync.WaitGroup{}
	errors := make(chan error, workers*4)
	for itr := 0; itr < workers; itr++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			conn, err := uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{})
			if err != nil {
				errors <- err
				return
			}
			record, err := uut.Subscribe(utCtxt, SubscribeRequest{
				ConnectionID: conn.ID, Topic: fmt.Sprintf("churn.%d", idx%8),
			})
			if err != nil {
				errors <- err
				return
			}
			if _, err := uut.Publish(
				utCtxt, record.Topic, common.Payload{Data: idx}, nil,
			); err != nil {
				errors <- err
			}
			if idx%2 == 0 {
				if err := uut.Unsubscribe(utCtxt, record.ID); err != nil {
					errors <- err
				}
			}
			if _, err := uut.CloseConnection(utCtxt, conn.ID); err != nil {
				errors <- err
			}
		}(itr)
	}
	wg.Wait()
	close(errors)
	for err := range errors {
		assert.Nil(err)
	}

	// All structures must drain back to empty
	assert.Len(uut.ListConnections(), 0)
	assert.Equal(0, uut.GetStats().TotalSubscriptions)
	assert.Empty(uut.Topics())
	assert.Equal(0, uut.GetStats().ActiveConnections)
}

func TestEngineActivityTracking(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	env := defineEngineTestEnv(t, 8, nil)
	defer env.shutdown(t)
	uut := env.uut

	conn, err := uut.RegisterConnection(utCtxt, "", registry.ConnectionParams{
		InactivityTimeout: time.Millisecond * 20,
	})
	assert.Nil(err)

	// Case 0: activity marking succeeds for live connections
	assert.True(uut.MarkActivity(conn.ID))
	assert.False(uut.MarkActivity("conn-unknown"))

	// Case 1: an idle connection eventually surfaces in the health report
	time.Sleep(time.Millisecond * 40)
	report := uut.HealthCheck(utCtxt)
	assert.Len(report.StaleConnections, 1)
	assert.Equal(conn.ID, report.StaleConnections[0].ID)

	// Case 2: fresh activity clears the report
	assert.True(uut.MarkActivity(conn.ID))
	report = uut.HealthCheck(utCtxt)
	assert.Empty(report.StaleConnections)
}
