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
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/subrelay/common"
	"github.com/alwitt/subrelay/engine"
	"github.com/alwitt/subrelay/registry"
	"github.com/alwitt/subrelay/subscription"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// Client to server frame types
const (
	clientFrameSubscribe   = "subscribe"
	clientFrameUnsubscribe = "unsubscribe"
	clientFramePublish     = "publish"
	clientFramePing        = "ping"
)

// Server to client frame types
const (
	serverFrameConnectionAck  = "connection_ack"
	serverFrameSubscribeAck   = "subscribe_ack"
	serverFrameUnsubscribeAck = "unsubscribe_ack"
	serverFramePublishAck     = "publish_ack"
	serverFrameMessage        = "message"
	serverFramePong           = "pong"
	serverFrameError          = "error"
)

// clientFrame one control frame read from a client
type clientFrame struct {
	Type           string                 `json:"type"`
	Topic          string                 `json:"topic,omitempty"`
	SubscriptionID string                 `json:"subscription_id,omitempty"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	Options        *subscription.Options  `json:"options,omitempty"`
	Payload        *common.Payload        `json:"payload,omitempty"`
}

// serverFrame one frame written to a client
type serverFrame struct {
	Type           string          `json:"type"`
	ConnectionID   string          `json:"connection_id,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Topic          string          `json:"topic,omitempty"`
	Payload        *common.Payload `json:"payload,omitempty"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	Delivered      *int            `json:"delivered,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// WebsocketServer websocket endpoint bridging clients to the engine.
//
// Each upgraded connection becomes one engine connection. Control frames on
// the socket drive subscribe, unsubscribe, and publish; deliveries flow back
// through a per-session outbound queue sized by the subscription buffer
// default. The server's SendMessage is the engine's delivery callback.
type WebsocketServer interface {
	http.Handler
	// SendMessage deliver one message to the owning session's outbound queue
	SendMessage(ctxt context.Context, message common.Message) error
	// ActiveSessions the number of currently attached sessions
	ActiveSessions() int
	// Shutdown disconnect all sessions
	Shutdown()
}

// websocketServerImpl implements WebsocketServer
type websocketServerImpl struct {
	common.Component
	engine   engine.SubscriptionEngine
	upgrader websocket.Upgrader
	sessions map[string]*wsSession
	lock     *sync.RWMutex
}

// wsSession one attached client
type wsSession struct {
	connectionID string
	conn         *websocket.Conn
	outbound     chan serverFrame
	done         chan bool
	closeOnce    sync.Once
}

// DefineWebsocketServer create new websocket server attached to the engine
func DefineWebsocketServer(subEngine engine.SubscriptionEngine) (WebsocketServer, error) {
	logTags := log.Fields{
		"module": "transport", "component": "websocket-server",
	}
	defaults := subEngine.SubscribeDefaults()
	instance := &websocketServerImpl{
		Component: common.Component{LogTags: logTags},
		engine:    subEngine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: defaults.EnableCompression,
			CheckOrigin:       func(_ *http.Request) bool { return true },
		},
		sessions: make(map[string]*wsSession),
		lock:     &sync.RWMutex{},
	}
	// Closes initiated outside the socket, such as the connection management
	// API, must still drop the backing session
	subEngine.SetConnectionCloseListener(instance.dropSession)
	return instance, nil
}

// dropSession disconnect the session backing a closed connection
func (s *websocketServerImpl) dropSession(connectionID string) {
	s.lock.RLock()
	session, ok := s.sessions[connectionID]
	s.lock.RUnlock()
	if !ok {
		return
	}
	log.WithFields(s.LogTags).Infof("Dropping session %s on connection close", connectionID)
	session.stop()
	_ = session.conn.Close()
}

// requestCredential pull the client credential from the upgrade request
func requestCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP upgrade the request and run the session to completion
func (s *websocketServerImpl) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctxt := r.Context()
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)

	credential := requestCredential(r)
	conn, err := s.engine.RegisterConnection(ctxt, credential, registry.ConnectionParams{
		Metadata: map[string]interface{}{
			"remote_addr": r.RemoteAddr,
			"user_agent":  r.UserAgent(),
		},
	})
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Info("Connection refused")
		switch err {
		case common.ErrAuthenticationRequired:
			http.Error(w, err.Error(), http.StatusUnauthorized)
		case common.ErrAuthorizationDenied:
			http.Error(w, err.Error(), http.StatusForbidden)
		case common.ErrCapacityExceeded:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		_, _ = s.engine.CloseConnection(ctxt, conn.ID)
		return
	}

	defaults := s.engine.SubscribeDefaults()
	session := &wsSession{
		connectionID: conn.ID,
		conn:         wsConn,
		outbound:     make(chan serverFrame, defaults.BufferSize),
		done:         make(chan bool),
	}
	s.lock.Lock()
	s.sessions[conn.ID] = session
	s.lock.Unlock()
	log.WithFields(localLogTags).Infof("Session %s attached from %s", conn.ID, r.RemoteAddr)

	session.outbound <- serverFrame{Type: serverFrameConnectionAck, ConnectionID: conn.ID}

	writerDone := make(chan bool)
	go s.writerLoop(session, defaults, writerDone)
	s.readerLoop(ctxt, session, defaults)

	// Reader exit tears the session down
	session.stop()
	<-writerDone
	s.lock.Lock()
	delete(s.sessions, conn.ID)
	s.lock.Unlock()
	if _, err := s.engine.CloseConnection(context.Background(), conn.ID); err != nil &&
		err != common.ErrConnectionNotFound {
		log.WithError(err).WithFields(localLogTags).Errorf("Closing %s failed", conn.ID)
	}
	_ = wsConn.Close()
	log.WithFields(localLogTags).Infof("Session %s detached", conn.ID)
}

// stop signal the session's loops to exit
func (w *wsSession) stop() {
	w.closeOnce.Do(func() { close(w.done) })
}

// readerLoop consume control frames until the socket closes
func (s *websocketServerImpl) readerLoop(
	ctxt context.Context, session *wsSession, defaults subscription.Options,
) {
	wsConn := session.conn
	readDeadline := func() {
		if defaults.ConnectionTimeout > 0 {
			_ = wsConn.SetReadDeadline(time.Now().Add(defaults.ConnectionTimeout))
		}
	}
	readDeadline()
	wsConn.SetPongHandler(func(string) error {
		s.engine.MarkActivity(session.connectionID)
		readDeadline()
		return nil
	})
	for {
		var frame clientFrame
		if err := wsConn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(s.LogTags).Debugf(
					"Session %s read failed", session.connectionID,
				)
			}
			return
		}
		s.engine.MarkActivity(session.connectionID)
		readDeadline()
		s.handleClientFrame(ctxt, session, frame)
		select {
		case <-session.done:
			return
		default:
		}
	}
}

// handleClientFrame dispatch one control frame
func (s *websocketServerImpl) handleClientFrame(
	ctxt context.Context, session *wsSession, frame clientFrame,
) {
	reply := func(response serverFrame) {
		select {
		case session.outbound <- response:
		case <-session.done:
		}
	}
	switch frame.Type {
	case clientFrameSubscribe:
		record, err := s.engine.Subscribe(ctxt, engine.SubscribeRequest{
			ConnectionID: session.connectionID,
			Topic:        frame.Topic,
			Variables:    frame.Variables,
			Options:      frame.Options,
		})
		if err != nil {
			reply(serverFrame{Type: serverFrameError, Topic: frame.Topic, Error: err.Error()})
			return
		}
		reply(serverFrame{
			Type:           serverFrameSubscribeAck,
			SubscriptionID: record.ID,
			Topic:          record.Topic,
		})
	case clientFrameUnsubscribe:
		if err := s.engine.Unsubscribe(ctxt, frame.SubscriptionID); err != nil {
			reply(serverFrame{
				Type: serverFrameError, SubscriptionID: frame.SubscriptionID, Error: err.Error(),
			})
			return
		}
		reply(serverFrame{
			Type: serverFrameUnsubscribeAck, SubscriptionID: frame.SubscriptionID,
		})
	case clientFramePublish:
		if frame.Payload == nil {
			reply(serverFrame{
				Type: serverFrameError, Topic: frame.Topic, Error: "publish frame missing payload",
			})
			return
		}
		delivered, err := s.engine.Publish(ctxt, frame.Topic, *frame.Payload, nil)
		if err != nil {
			reply(serverFrame{Type: serverFrameError, Topic: frame.Topic, Error: err.Error()})
			return
		}
		reply(serverFrame{
			Type: serverFramePublishAck, Topic: frame.Topic, Delivered: &delivered,
		})
	case clientFramePing:
		reply(serverFrame{Type: serverFramePong})
	default:
		reply(serverFrame{
			Type: serverFrameError, Error: fmt.Sprintf("unknown frame type '%s'", frame.Type),
		})
	}
}

// writerLoop drain the outbound queue onto the socket
func (s *websocketServerImpl) writerLoop(
	session *wsSession, defaults subscription.Options, writerDone chan bool,
) {
	defer close(writerDone)
	var keepAlive *time.Ticker
	var keepAliveChan <-chan time.Time
	if defaults.KeepAlive && defaults.KeepAliveInterval > 0 {
		keepAlive = time.NewTicker(defaults.KeepAliveInterval)
		keepAliveChan = keepAlive.C
		defer keepAlive.Stop()
	}
	for {
		select {
		case <-session.done:
			_ = session.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		case frame := <-session.outbound:
			if err := session.conn.WriteJSON(frame); err != nil {
				log.WithError(err).WithFields(s.LogTags).Debugf(
					"Session %s write failed", session.connectionID,
				)
				session.stop()
				return
			}
		case <-keepAliveChan:
			if err := session.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				session.stop()
				return
			}
		}
	}
}

// SendMessage deliver one message to the owning session's outbound queue
func (s *websocketServerImpl) SendMessage(
	_ context.Context, message common.Message,
) error {
	record, ok := s.engine.GetSubscription(message.SubscriptionID)
	if !ok {
		return common.ErrSubscriptionNotFound
	}
	s.lock.RLock()
	session, ok := s.sessions[record.OwnerConnectionID]
	s.lock.RUnlock()
	if !ok {
		return common.ErrConnectionNotFound
	}
	sentAt := message.SentAt
	frame := serverFrame{
		Type:           serverFrameMessage,
		SubscriptionID: message.SubscriptionID,
		Topic:          message.Topic,
		Payload:        &message.Payload,
		SentAt:         &sentAt,
	}
	// A full queue is a contained failure for this one delivery. Blocking
	// here would stall the whole fan-out on one slow client.
	select {
	case session.outbound <- frame:
		return nil
	case <-session.done:
		return common.ErrConnectionInactive
	default:
		return fmt.Errorf("outbound queue full for %s", record.OwnerConnectionID)
	}
}

// ActiveSessions the number of currently attached sessions
func (s *websocketServerImpl) ActiveSessions() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.sessions)
}

// Shutdown disconnect all sessions
func (s *websocketServerImpl) Shutdown() {
	s.lock.RLock()
	attached := make([]*wsSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		attached = append(attached, session)
	}
	s.lock.RUnlock()
	for _, session := range attached {
		session.stop()
		_ = session.conn.Close()
	}
}
