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

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/subrelay/auth"
	"github.com/alwitt/subrelay/common"
	"github.com/alwitt/subrelay/engine"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

type wsTestEnv struct {
	engine engine.SubscriptionEngine
	server WebsocketServer
	http   *httptest.Server
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func defineWSTestEnv(t *testing.T, authConfig common.AuthConfig) *wsTestEnv {
	assert := assert.New(t)
	authenticator, err := auth.DefineAuthenticator(authConfig)
	assert.Nil(err)
	ctxt, cancel := context.WithCancel(context.Background())
	env := &wsTestEnv{cancel: cancel}
	env.engine, err = engine.DefineSubscriptionEngine(ctxt, common.EngineConfig{
		MaxConnections: 16,
		TaskQueueLen:   16,
		SubscribeDefaults: common.SubscribeDefaultsConfig{
			BufferSize:        16,
			KeepAlive:         true,
			KeepAliveInterval: 30,
			ConnectionTimeout: 300,
		},
	}, common.HealthConfig{
		ErrorRateThreshold:    0.1,
		MemoryWarnPercent:     80.0,
		MemoryCriticalPercent: 95.0,
	}, authenticator)
	assert.Nil(err)
	env.server, err = DefineWebsocketServer(env.engine)
	assert.Nil(err)
	assert.Nil(env.engine.Start(&env.wg, env.server.SendMessage))
	env.http = httptest.NewServer(env.server)
	return env
}

func (e *wsTestEnv) shutdown(t *testing.T) {
	assert := assert.New(t)
	e.server.Shutdown()
	e.http.Close()
	assert.Nil(e.engine.Stop())
	e.cancel()
	e.wg.Wait()
}

func (e *wsTestEnv) dial(t *testing.T, header http.Header) *websocket.Conn {
	assert := assert.New(t)
	wsURL := strings.Replace(e.http.URL, "http://", "ws://", 1)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.Nil(err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	assert := assert.New(t)
	assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 5)))
	var frame serverFrame
	assert.Nil(conn.ReadJSON(&frame))
	return frame
}

func TestWebsocketSessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	env := defineWSTestEnv(t, common.AuthConfig{Mode: "none"})
	defer env.shutdown(t)

	client := env.dial(t, nil)
	defer func() { _ = client.Close() }()

	// Case 0: the session opens with a connection ack
	ack := readFrame(t, client)
	assert.Equal(serverFrameConnectionAck, ack.Type)
	assert.NotEmpty(ack.ConnectionID)
	assert.Equal(1, env.server.ActiveSessions())
	_, ok := env.engine.GetConnection(ack.ConnectionID)
	assert.True(ok)

	// Case 1: subscribe over the socket
	assert.Nil(client.WriteJSON(clientFrame{Type: clientFrameSubscribe, Topic: "orders"}))
	subAck := readFrame(t, client)
	assert.Equal(serverFrameSubscribeAck, subAck.Type)
	assert.NotEmpty(subAck.SubscriptionID)
	assert.Equal("orders", subAck.Topic)

	// Case 2: engine publishes reach the socket
	delivered, err := env.engine.Publish(
		context.Background(), "orders", common.Payload{Data: "hello"}, nil,
	)
	assert.Nil(err)
	assert.Equal(1, delivered)
	message := readFrame(t, client)
	assert.Equal(serverFrameMessage, message.Type)
	assert.Equal(subAck.SubscriptionID, message.SubscriptionID)
	assert.Equal("hello", message.Payload.Data)

	// Case 3: unsubscribe over the socket
	assert.Nil(client.WriteJSON(clientFrame{
		Type: clientFrameUnsubscribe, SubscriptionID: subAck.SubscriptionID,
	}))
	unsubAck := readFrame(t, client)
	assert.Equal(serverFrameUnsubscribeAck, unsubAck.Type)
	delivered, err = env.engine.Publish(
		context.Background(), "orders", common.Payload{Data: "gone"}, nil,
	)
	assert.Nil(err)
	assert.Equal(0, delivered)

	// Case 4: malformed subscribes surface as error frames
	assert.Nil(client.WriteJSON(clientFrame{Type: clientFrameSubscribe, Topic: ".bad"}))
	errorFrame := readFrame(t, client)
	assert.Equal(serverFrameError, errorFrame.Type)
	assert.NotEmpty(errorFrame.Error)

	// Case 5: ping draws a pong
	assert.Nil(client.WriteJSON(clientFrame{Type: clientFramePing}))
	pong := readFrame(t, client)
	assert.Equal(serverFramePong, pong.Type)
}

func TestWebsocketPublishBetweenClients(t *testing.T) {
	assert := assert.New(t)

	env := defineWSTestEnv(t, common.AuthConfig{Mode: "none"})
	defer env.shutdown(t)

	listener := env.dial(t, nil)
	defer func() { _ = listener.Close() }()
	assert.Equal(serverFrameConnectionAck, readFrame(t, listener).Type)
	assert.Nil(listener.WriteJSON(clientFrame{Type: clientFrameSubscribe, Topic: "chat"}))
	assert.Equal(serverFrameSubscribeAck, readFrame(t, listener).Type)

	sender := env.dial(t, nil)
	defer func() { _ = sender.Close() }()
	assert.Equal(serverFrameConnectionAck, readFrame(t, sender).Type)

	// Case 0: a publish frame fans out to the other session
	assert.Nil(sender.WriteJSON(clientFrame{
		Type: clientFramePublish, Topic: "chat", Payload: &common.Payload{Data: "hi"},
	}))
	pubAck := readFrame(t, sender)
	assert.Equal(serverFramePublishAck, pubAck.Type)
	assert.Equal(1, *pubAck.Delivered)
	message := readFrame(t, listener)
	assert.Equal(serverFrameMessage, message.Type)
	assert.Equal("hi", message.Payload.Data)
}

func TestWebsocketDisconnectCascade(t *testing.T) {
	assert := assert.New(t)

	env := defineWSTestEnv(t, common.AuthConfig{Mode: "none"})
	defer env.shutdown(t)

	client := env.dial(t, nil)
	ack := readFrame(t, client)
	assert.Nil(client.WriteJSON(clientFrame{Type: clientFrameSubscribe, Topic: "orders"}))
	subAck := readFrame(t, client)

	// Case 0: closing the socket tears the engine connection down
	assert.Nil(client.Close())
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		if _, ok := env.engine.GetConnection(ack.ConnectionID); !ok {
			break
		}
		time.Sleep(time.Millisecond * 10)
	}
	_, ok := env.engine.GetConnection(ack.ConnectionID)
	assert.False(ok)
	_, ok = env.engine.GetSubscription(subAck.SubscriptionID)
	assert.False(ok)
	assert.Equal(0, env.engine.GetStats().TotalSubscriptions)
}

func TestWebsocketEngineInitiatedClose(t *testing.T) {
	assert := assert.New(t)

	env := defineWSTestEnv(t, common.AuthConfig{Mode: "none"})
	defer env.shutdown(t)

	client := env.dial(t, nil)
	defer func() { _ = client.Close() }()
	ack := readFrame(t, client)
	assert.Nil(client.WriteJSON(clientFrame{Type: clientFrameSubscribe, Topic: "orders"}))
	subAck := readFrame(t, client)

	// Case 0: closing through the engine drops the session as well
	removed, err := env.engine.CloseConnection(context.Background(), ack.ConnectionID)
	assert.Nil(err)
	assert.Equal([]string{subAck.SubscriptionID}, removed)
	assert.Nil(client.SetReadDeadline(time.Now().Add(time.Second * 5)))
	var frame serverFrame
	assert.NotNil(client.ReadJSON(&frame))
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		if env.server.ActiveSessions() == 0 {
			break
		}
		time.Sleep(time.Millisecond * 10)
	}
	assert.Equal(0, env.server.ActiveSessions())
}

func TestWebsocketAuthHandshake(t *testing.T) {
	assert := assert.New(t)

	env := defineWSTestEnv(t, common.AuthConfig{
		Mode: "static",
		Tokens: []common.StaticTokenConfig{
			{Token: "token-alpha", UserID: "alpha", Topics: []string{"orders"}},
		},
	})
	defer env.shutdown(t)

	wsURL := strings.Replace(env.http.URL, "http://", "ws://", 1)

	// Case 0: missing credential is refused before the upgrade
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NotNil(err)
	assert.Equal(http.StatusUnauthorized, resp.StatusCode)

	// Case 1: unknown credential is refused
	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"?token=bogus", nil)
	assert.NotNil(err)
	assert.Equal(http.StatusForbidden, resp.StatusCode)

	// Case 2: a bearer header authenticates the session
	header := http.Header{}
	header.Set("Authorization", "Bearer token-alpha")
	client := env.dial(t, header)
	defer func() { _ = client.Close() }()
	ack := readFrame(t, client)
	assert.Equal(serverFrameConnectionAck, ack.Type)
	conn, ok := env.engine.GetConnection(ack.ConnectionID)
	assert.True(ok)
	assert.Equal("alpha", *conn.UserID)

	// Case 3: topic authorization applies to socket subscribes
	assert.Nil(client.WriteJSON(clientFrame{Type: clientFrameSubscribe, Topic: "audit"}))
	denied := readFrame(t, client)
	assert.Equal(serverFrameError, denied.Type)
	assert.Nil(client.WriteJSON(clientFrame{Type: clientFrameSubscribe, Topic: "orders"}))
	granted := readFrame(t, client)
	assert.Equal(serverFrameSubscribeAck, granted.Type)
}
