// Copyright (c) 2024 The hightd Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespaceHightd = "hightd"

var (
	registerMetricsOnce sync.Once

	serverStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespaceHightd,
		Name:      "server_starts_total",
		Help:      "Number of successful server starts.",
	})

	serverStopsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespaceHightd,
		Name:      "server_stops_total",
		Help:      "Number of observed server exits.",
	})

	serverFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespaceHightd,
		Name:      "server_failures_total",
		Help:      "Number of failed lifecycle actions.",
	})

	registeredServers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceHightd,
		Name:      "registered_servers",
		Help:      "Number of servers in the registry.",
	})

	runningServers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceHightd,
		Name:      "running_servers",
		Help:      "Number of servers currently running.",
	})

	// ConsoleSessions tracks open console WebSocket sessions.
	ConsoleSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceHightd,
		Name:      "console_sessions",
		Help:      "Number of open console sessions.",
	})
)

// RegisterMetrics registers the agent metrics with the default prometheus
// registry. Safe to call more than once.
func RegisterMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			serverStartsTotal,
			serverStopsTotal,
			serverFailuresTotal,
			registeredServers,
			runningServers,
			ConsoleSessions,
		)
	})
}
