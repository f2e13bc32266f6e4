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

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/subrelay/common"
	"github.com/alwitt/subrelay/registry"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/mem"
)

// ConnectionSource the registry surface the monitor reads gauges from
type ConnectionSource interface {
	// ActiveCount the current number of active connections
	ActiveCount() int
	// Peak the high-water mark of concurrently active connections
	Peak() int
	// AverageConnectionAge mean age of the currently active connections
	AverageConnectionAge(now time.Time) time.Duration
	// StaleConnections report connections whose inactivity exceeds their timeout
	StaleConnections(now time.Time) []registry.StaleConnection
}

// SubscriptionSource the subscription table surface the monitor reads gauges from
type SubscriptionSource interface {
	// Size the current number of live subscriptions
	Size() int
}

// Report the outcome of one health check
type Report struct {
	// Healthy overall verdict
	Healthy bool `json:"healthy"`
	// Connections current number of active connections
	Connections int `json:"connections"`
	// MemoryUsedPercent system memory usage at check time
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	// Latency how long the stats snapshot read took
	Latency time.Duration `json:"latency"`
	// Errors conditions which made the verdict unhealthy
	Errors []string `json:"errors"`
	// Warnings conditions worth surfacing which do not fail the check
	Warnings []string `json:"warnings"`
	// StaleConnections close candidates reported by the registry
	StaleConnections []registry.StaleConnection `json:"stale_connections,omitempty"`
}

// Monitor derives stats and health snapshots from the live engine structures
type Monitor interface {
	// GetStats snapshot the current counters and gauges
	GetStats() Stats
	// HealthCheck evaluate engine health against the configured thresholds
	HealthCheck(ctxt context.Context) Report
	// RegisterMetrics expose the stats through a Prometheus registerer
	RegisterMetrics(registerer prometheus.Registerer) error
}

// monitorImpl implements Monitor
type monitorImpl struct {
	common.Component
	collector     *StatsCollector
	connections   ConnectionSource
	subscriptions SubscriptionSource
	thresholds    common.HealthConfig
	// memorySample overridable for testing
	memorySample func(ctxt context.Context) (float64, error)
}

// DefineMonitor create new health monitor
func DefineMonitor(
	collector *StatsCollector,
	connections ConnectionSource,
	subscriptions SubscriptionSource,
	thresholds common.HealthConfig,
) (Monitor, error) {
	logTags := log.Fields{
		"module": "health", "component": "monitor",
	}
	return &monitorImpl{
		Component:     common.Component{LogTags: logTags},
		collector:     collector,
		connections:   connections,
		subscriptions: subscriptions,
		thresholds:    thresholds,
		memorySample:  sampleSystemMemory,
	}, nil
}

// sampleSystemMemory read the system memory usage percentage
func sampleSystemMemory(ctxt context.Context) (float64, error) {
	usage, err := mem.VirtualMemoryWithContext(ctxt)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

// GetStats snapshot the current counters and gauges
func (m *monitorImpl) GetStats() Stats {
	now := time.Now()
	return Stats{
		MessagesReceived:          m.collector.MessagesReceived(),
		MessagesSent:              m.collector.MessagesSent(),
		DeliveryAttempts:          m.collector.DeliveryAttempts(),
		DeliveryErrors:            m.collector.DeliveryErrors(),
		ActiveConnections:         m.connections.ActiveCount(),
		PeakConnections:           m.connections.Peak(),
		TotalSubscriptions:        m.subscriptions.Size(),
		ErrorRate:                 m.collector.ErrorRate(),
		AverageConnectionDuration: m.connections.AverageConnectionAge(now),
	}
}

// HealthCheck evaluate engine health against the configured thresholds
func (m *monitorImpl) HealthCheck(ctxt context.Context) Report {
	checkStart := time.Now()
	stats := m.GetStats()
	latency := time.Since(checkStart)

	report := Report{
		Healthy:     true,
		Connections: stats.ActiveConnections,
		Latency:     latency,
		Errors:      []string{},
		Warnings:    []string{},
	}

	// Error rate over threshold fails the check outright
	if stats.ErrorRate > m.thresholds.ErrorRateThreshold {
		report.Healthy = false
		report.Errors = append(report.Errors, fmt.Sprintf(
			"delivery error rate %.3f over threshold %.3f",
			stats.ErrorRate, m.thresholds.ErrorRateThreshold,
		))
	}

	// Stale connections warn, escalating to an error past the critical count
	stale := m.connections.StaleConnections(checkStart)
	report.StaleConnections = stale
	if len(stale) > 0 {
		msg := fmt.Sprintf("%d connections inactive past their timeout", len(stale))
		if m.thresholds.StaleCriticalCount > 0 && len(stale) >= m.thresholds.StaleCriticalCount {
			report.Healthy = false
			report.Errors = append(report.Errors, msg)
		} else {
			report.Warnings = append(report.Warnings, msg)
		}
	}

	// Memory usage warns at the first threshold, fails at the critical one
	memoryUsed, err := m.memorySample(ctxt)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to sample system memory")
		report.Warnings = append(report.Warnings, "system memory usage unavailable")
	} else {
		report.MemoryUsedPercent = memoryUsed
		if memoryUsed >= m.thresholds.MemoryCriticalPercent {
			report.Healthy = false
			report.Errors = append(report.Errors, fmt.Sprintf(
				"memory usage %.1f%% over critical threshold %.1f%%",
				memoryUsed, m.thresholds.MemoryCriticalPercent,
			))
		} else if memoryUsed >= m.thresholds.MemoryWarnPercent {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"memory usage %.1f%% over warning threshold %.1f%%",
				memoryUsed, m.thresholds.MemoryWarnPercent,
			))
		}
	}

	return report
}

// RegisterMetrics expose the stats through a Prometheus registerer
func (m *monitorImpl) RegisterMetrics(registerer prometheus.Registerer) error {
	metrics := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "subrelay", Name: "messages_received_total",
			Help: "Publish calls accepted since start",
		}, func() float64 { return float64(m.collector.MessagesReceived()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "subrelay", Name: "messages_sent_total",
			Help: "Successful subscriber deliveries since start",
		}, func() float64 { return float64(m.collector.MessagesSent()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "subrelay", Name: "delivery_errors_total",
			Help: "Contained per-subscriber failures since start",
		}, func() float64 { return float64(m.collector.DeliveryErrors()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "subrelay", Name: "active_connections",
			Help: "Currently active connections",
		}, func() float64 { return float64(m.connections.ActiveCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "subrelay", Name: "peak_connections",
			Help: "High-water mark of concurrently active connections",
		}, func() float64 { return float64(m.connections.Peak()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "subrelay", Name: "total_subscriptions",
			Help: "Currently live subscriptions",
		}, func() float64 { return float64(m.subscriptions.Size()) }),
	}
	for _, metric := range metrics {
		if err := registerer.Register(metric); err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Metric registration failed")
			return err
		}
	}
	return nil
}
