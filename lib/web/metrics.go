/*
Copyright 2024 Stepwise Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricSocketConnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stepwise_socket_connects_total",
			Help: "Number of accepted websocket connections",
		},
	)
	metricFramesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stepwise_frames_sent_total",
			Help: "Number of screencast frames forwarded to clients",
		},
	)
	metricStepsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stepwise_steps_recorded_total",
			Help: "Number of steps recorded across all sessions",
		},
	)
	metricRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepwise_rate_limited_total",
			Help: "Number of client messages dropped by the rate limiter",
		},
		[]string{"kind"},
	)
)

func registerMetrics(activeSessions func() int) error {
	collectors := []prometheus.Collector{
		metricSocketConnects,
		metricFramesSent,
		metricStepsRecorded,
		metricRateLimited,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "stepwise_active_sessions",
				Help: "Number of sessions currently in active state",
			},
			func() float64 { return float64(activeSessions()) },
		),
	}
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
