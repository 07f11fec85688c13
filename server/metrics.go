// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecommendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearby",
		Subsystem: "server",
		Name:      "recommend_requests_total",
	}, []string{"status"})
	GetRecommendSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nearby",
		Subsystem: "server",
		Name:      "get_recommend_seconds",
	})
	ColdStartTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nearby",
		Subsystem: "server",
		Name:      "cold_start_total",
	})
	EmptyResultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nearby",
		Subsystem: "server",
		Name:      "empty_results_total",
	})
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nearby",
		Subsystem: "server",
		Name:      "batch_size",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
	FetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nearby",
		Subsystem: "server",
		Name:      "fetch_retries_total",
	})
	ModelLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearby",
		Subsystem: "server",
		Name:      "model_loads_total",
	}, []string{"status"})
	ModelCreateTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nearby",
		Subsystem: "server",
		Name:      "model_create_time_seconds",
	})
)
