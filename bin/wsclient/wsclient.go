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

package main

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

type cmdArgs struct {
	ServerURL string `validate:"required,url"`
	Token     string
	Topic     string `validate:"required"`
	JSONLog   bool
	LogLevel  string `validate:"required,oneof=debug info warn error"`
}

var args cmdArgs

var logTags log.Fields

// clientFrame control frame sent to the server
type clientFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// serverFrame frame received from the server
type serverFrame struct {
	Type           string      `json:"type"`
	ConnectionID   string      `json:"connection_id,omitempty"`
	SubscriptionID string      `json:"subscription_id,omitempty"`
	Topic          string      `json:"topic,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Test client which subscribes to one topic and prints every delivery
func main() {
	logTags = log.Fields{
		"module": "main", "component": "ws-client",
	}

	app := &cli.App{
		Usage:       "subrelay websocket test client",
		Description: "Subscribes to one topic and prints every delivered message",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "server-url",
				Usage:       "Websocket subscribe endpoint",
				Aliases:     []string{"s"},
				EnvVars:     []string{"SERVER_URL"},
				Value:       "ws://localhost:3000/v1/subscribe",
				DefaultText: "ws://localhost:3000/v1/subscribe",
				Destination: &args.ServerURL,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "Bearer token for the connection handshake",
				Aliases:     []string{"k"},
				EnvVars:     []string{"AUTH_TOKEN"},
				Value:       "",
				DefaultText: "",
				Destination: &args.Token,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "topic",
				Usage:       "Topic to subscribe to",
				Aliases:     []string{"t"},
				EnvVars:     []string{"SUBSCRIBE_TOPIC"},
				Destination: &args.Topic,
				Required:    true,
			},
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "info",
				DefaultText: "info",
				Destination: &args.LogLevel,
				Required:    false,
			},
		},
		Action: runClient,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

func setupLogging() {
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

func runClient(c *cli.Context) error {
	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	setupLogging()

	header := http.Header{}
	if args.Token != "" {
		header.Set("Authorization", "Bearer "+args.Token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(args.ServerURL, header)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to dial %s", args.ServerURL)
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(clientFrame{Type: "subscribe", Topic: args.Topic}); err != nil {
		return err
	}

	// Close the socket on SIGINT, which unblocks the read loop
	cc := make(chan os.Signal, 1)
	signal.Notify(cc, os.Interrupt)
	go func() {
		<-cc
		log.WithFields(logTags).Info("Disconnecting")
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = conn.Close()
	}()

	for {
		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		switch frame.Type {
		case "connection_ack":
			log.WithFields(logTags).Infof("Connected as %s", frame.ConnectionID)
		case "subscribe_ack":
			log.WithFields(logTags).Infof(
				"Subscribed to %s as %s", frame.Topic, frame.SubscriptionID,
			)
		case "message":
			pretty, err := json.Marshal(frame.Payload)
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Unable to render payload")
				continue
			}
			log.WithFields(logTags).Infof("[%s] %s", frame.Topic, pretty)
		case "error":
			log.WithFields(logTags).Errorf("Server error: %s", frame.Error)
		default:
			log.WithFields(logTags).Debugf("Ignoring frame type '%s'", frame.Type)
		}
	}
}
