// Copyright 2022 The tickstream Authors
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

	"github.com/alwitt/tickstream/apis"
	"github.com/alwitt/tickstream/common"
	"github.com/alwitt/tickstream/core"
	"github.com/alwitt/tickstream/monitoring"
	"github.com/alwitt/tickstream/producer"
	"github.com/alwitt/tickstream/session"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunGatewayServer run the stream gateway server
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Core components

	registry, err := session.GetRegistry(localCtxt, session.RegistryParams{
		MaxSessions: config.Registry.MaxSessions,
		IdleTimeout: time.Second * time.Duration(config.Registry.IdleTimeout),
		BaseUpdateInterval: time.Millisecond * time.Duration(
			config.Registry.BaseUpdateInterval,
		),
		BaseHeartbeatInterval: time.Millisecond * time.Duration(
			config.Registry.BaseHeartbeatInterval,
		),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session registry")
		return err
	}

	metricsCollector, err := monitoring.GetMetricsCollector()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics collector")
		return err
	}
	registry.AddListener(metricsCollector.Listener())

	reconnectHint := time.Millisecond * time.Duration(config.Registry.ReconnectHint)
	broadcaster, err := session.GetBroadcaster(registry, reconnectHint)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}

	hostMonitor, err := monitoring.GetHostMonitor(
		localCtxt, wg, time.Second*time.Duration(config.Monitoring.HostSampleInterval),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define host monitor")
		return err
	}

	identity, err := apis.GetHeaderIdentityProvider(config.Identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define identity provider")
		return err
	}

	producers, err := producer.GetNATSProducerFactory(*natsClient, producer.FactoryParams{
		SubjectPrefix:  config.Producer.SubjectPrefix,
		RequestTimeout: time.Second * time.Duration(config.Producer.RequestTimeout),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define producer factory")
		return err
	}

	// -------------------------------------------------------------------
	// REST handlers

	httpConfig := &config.Gateway.HTTPSetting
	streamHandler, err := apis.GetAPIRestStreamHandler(
		registry, producers, identity, reconnectHint, httpConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream HTTP handler")
		return err
	}
	adminHandler, err := apis.GetAPIRestAdminHandler(
		registry, broadcaster, natsClient, hostMonitor, httpConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define admin HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(
		router, config.Gateway.Endpoints.PathPrefix, nil,
	)

	// Stream subscription
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/stream/{dataKind}", map[string]http.HandlerFunc{
			"get": streamHandler.SubscribeHandler(),
		},
	)

	// Administration
	adminRouter := apis.RegisterPathPrefix(mainRouter, "/v1/admin", nil)
	broadcastRouter := apis.RegisterPathPrefix(
		adminRouter, "/broadcast", map[string]http.HandlerFunc{
			"post": adminHandler.BroadcastToAllHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		broadcastRouter, "/owner/{ownerID}", map[string]http.HandlerFunc{
			"post": adminHandler.BroadcastToOwnerHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(adminRouter, "/shutdown", map[string]http.HandlerFunc{
		"post": adminHandler.ShutdownHandler(),
	})
	_ = apis.RegisterPathPrefix(adminRouter, "/health", map[string]http.HandlerFunc{
		"get": adminHandler.HealthHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": streamHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": adminHandler.ReadyHandler(),
	})

	// Metrics scrape endpoint
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
		"get": metricsCollector.ExposeEndpoint().ServeHTTP,
	})

	// Add logging
	logSink := apis.GetHTTPLogSink(instance)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(logSink, next)
	})

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverConfig := httpConfig.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(serverConfig.ReadTimeout),
		// Stream sessions outlive any sane write timeout
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

	log.WithFields(logTags).Infof("Started gateway server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Notify and evict the active sessions before the listener goes away
	evicted := broadcaster.Shutdown(session.ReasonMaintenance)
	log.WithFields(logTags).Infof("Evicted %d sessions for shutdown", evicted)

	if err := hostMonitor.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during host monitor stop")
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
