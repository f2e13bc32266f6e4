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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/subrelay/apis"
	"github.com/alwitt/subrelay/auth"
	"github.com/alwitt/subrelay/common"
	"github.com/alwitt/subrelay/core"
	"github.com/alwitt/subrelay/engine"
	"github.com/alwitt/subrelay/producer"
	"github.com/alwitt/subrelay/transport"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ServerCLIArgs arguments
type ServerCLIArgs struct {
	// HealthReportInterval interval in seconds between periodic health report
	// log entries. Zero disables the reporting loop.
	HealthReportInterval int `validate:"gte=0"`
}

// GetServerCLIFlags retrieve the set of CMD flags for the server
func GetServerCLIFlags(args *ServerCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "health-report-interval-sec",
			Usage:       "Interval between periodic health report log entries. 0 to disable.",
			Aliases:     []string{"hri"},
			EnvVars:     []string{"HEALTH_REPORT_INTERVAL_SEC"},
			Value:       60,
			DefaultText: "60",
			Destination: &args.HealthReportInterval,
			Required:    false,
		},
	}
}

// RunServer run the subscription relay server
func RunServer(
	params ServerCLIArgs,
	config common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Define the engine and its transports

	authenticator, err := auth.DefineAuthenticator(config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define authenticator")
		return err
	}

	subEngine, err := engine.DefineSubscriptionEngine(
		localCtxt, config.Engine, config.Health, authenticator,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define engine")
		return err
	}

	wsServer, err := transport.DefineWebsocketServer(subEngine)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket server")
		return err
	}

	if err := subEngine.Start(wg, wsServer.SendMessage); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start engine")
		return err
	}

	// NATS event ingress is optional
	var eventIngress producer.EventIngress
	if config.Producer != nil && natsClient != nil {
		eventIngress, err = producer.DefineEventIngress(
			localCtxt, *natsClient, *config.Producer, subEngine,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define event ingress")
			return err
		}
		if err := eventIngress.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start event ingress")
			return err
		}
	}

	metrics := prometheus.NewRegistry()
	if err := subEngine.RegisterMetrics(metrics); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register metrics")
		return err
	}

	// Periodic health report
	if params.HealthReportInterval > 0 {
		healthTimer, err := common.GetIntervalTimerInstance(localCtxt, "health-report", wg)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define health timer")
			return err
		}
		reportInterval := time.Second * time.Duration(params.HealthReportInterval)
		if err := healthTimer.Start(reportInterval, func() error {
			report := subEngine.HealthCheck(localCtxt)
			stats := subEngine.GetStats()
			entry := log.WithFields(logTags).WithFields(log.Fields{
				"healthy":       report.Healthy,
				"connections":   stats.ActiveConnections,
				"subscriptions": stats.TotalSubscriptions,
				"received":      stats.MessagesReceived,
				"sent":          stats.MessagesSent,
				"error_rate":    stats.ErrorRate,
			})
			if report.Healthy {
				entry.Info("Periodic health report")
			} else {
				entry.Warnf("Periodic health report. Errors %v", report.Errors)
			}
			return nil
		}, false); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start health timer")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestEngineHandler(subEngine, &config.API.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.API.Endpoints.PathPrefix, nil)

	// Websocket attach point
	mainRouter.Path("/v1/subscribe").Methods("GET").Handler(wsServer)

	// Message publish
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/topic/{topicName}/publish", map[string]http.HandlerFunc{
			"post": httpHandler.PublishMessageHandler(),
		},
	)

	_ = apis.RegisterPathPrefix(mainRouter, "/v1/broadcast", map[string]http.HandlerFunc{
		"post": httpHandler.BroadcastMessageHandler(),
	})

	// Connection management
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/connection", map[string]http.HandlerFunc{
		"get": httpHandler.GetAllConnectionsHandler(),
	})
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/connection/{connectionID}", map[string]http.HandlerFunc{
			"get":    httpHandler.GetConnectionHandler(),
			"delete": httpHandler.CloseConnectionHandler(),
		},
	)

	// Introspection
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/stats", map[string]http.HandlerFunc{
		"get": httpHandler.GetStatsHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/health", map[string]http.HandlerFunc{
		"get": httpHandler.GetHealthHandler(),
	})
	mainRouter.Path("/metrics").Methods("GET").Handler(
		promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}),
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverConfig := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the event ingress first so no new publishes arrive mid-shutdown
	if eventIngress != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		if err := eventIngress.Stop(ctx); err != nil {
			log.WithError(err).Error("Failure during event ingress shutdown")
		}
		cancel()
	}

	// Disconnect all websocket sessions
	wsServer.Shutdown()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Stop the engine
	if err := subEngine.Stop(); err != nil {
		log.WithError(err).Error("Failure during engine shutdown")
	}

	return nil
}
