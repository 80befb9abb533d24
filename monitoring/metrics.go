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

package monitoring

import (
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tickstream/session"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector Prometheus instrumentation of the session registry
type MetricsCollector interface {
	// Listener the registry lifecycle listener feeding the collector
	Listener() session.LifecycleListener
	// ExposeEndpoint the HTTP handler for the metrics scrape endpoint
	ExposeEndpoint() http.Handler
}

// metricsCollectorImpl implements MetricsCollector
type metricsCollectorImpl struct {
	goutils.Component
	registry        *prometheus.Registry
	sessionsActive  prometheus.Gauge
	admissionsTotal *prometheus.CounterVec
	evictionsTotal  *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	deliveriesTotal *prometheus.CounterVec
}

// GetMetricsCollector define the Prometheus metrics collector
func GetMetricsCollector() (MetricsCollector, error) {
	logTags := log.Fields{
		"module": "monitoring", "component": "metrics",
	}
	collector := &metricsCollectorImpl{
		Component: goutils.Component{LogTags: logTags},
		registry:  prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickstream_sessions_active",
			Help: "Current number of active stream sessions",
		}),
		admissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstream_admissions_total",
			Help: "Total sessions admitted, by tier",
		}, []string{"tier"}),
		evictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstream_evictions_total",
			Help: "Total sessions evicted, by tier and reason",
		}, []string{"tier", "reason"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tickstream_session_duration_seconds",
			Help:    "Session lifetime from admission to eviction",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"tier"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickstream_deliveries_total",
			Help: "Total data updates delivered over evicted sessions, by tier",
		}, []string{"tier"}),
	}
	for _, metric := range []prometheus.Collector{
		collector.sessionsActive,
		collector.admissionsTotal,
		collector.evictionsTotal,
		collector.sessionDuration,
		collector.deliveriesTotal,
	} {
		if err := collector.registry.Register(metric); err != nil {
			log.WithError(err).WithFields(logTags).Error("Metric registration failed")
			return nil, err
		}
	}
	return collector, nil
}

// Listener the registry lifecycle listener feeding the collector
func (c *metricsCollectorImpl) Listener() session.LifecycleListener {
	return func(event session.LifecycleEvent) {
		tier := string(event.Session.Tier)
		switch event.Type {
		case session.SessionAdmitted:
			c.sessionsActive.Inc()
			c.admissionsTotal.WithLabelValues(tier).Inc()
		case session.SessionEvicted:
			c.sessionsActive.Dec()
			c.evictionsTotal.WithLabelValues(tier, event.Reason).Inc()
			c.sessionDuration.WithLabelValues(tier).Observe(
				event.Timestamp.Sub(event.Session.CreatedAt).Seconds(),
			)
			c.deliveriesTotal.WithLabelValues(tier).Add(
				float64(event.Session.DeliveredCount),
			)
		}
	}
}

// ExposeEndpoint the HTTP handler for the metrics scrape endpoint
func (c *metricsCollectorImpl) ExposeEndpoint() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Timeout: time.Second * 10,
	})
}
