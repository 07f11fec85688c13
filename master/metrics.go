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

package master

import (
	"strconv"

	"github.com/gorse-io/nearby/model/ranking"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelStep   = "step"
	LabelCutoff = "cutoff"
	LabelResult = "result"
)

var (
	LoadDatasetStepSecondsVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nearby",
		Subsystem: "master",
		Name:      "load_dataset_step_seconds",
	}, []string{LabelStep})
	LoadDatasetTotalSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nearby",
		Subsystem: "master",
		Name:      "load_dataset_total_seconds",
	})
	TrainingRows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nearby",
		Subsystem: "master",
		Name:      "training_rows",
	})
	TrainingGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nearby",
		Subsystem: "master",
		Name:      "training_groups",
	})
	RankerFitSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nearby",
		Subsystem: "master",
		Name:      "ranker_fit_seconds",
	})
	RankerNDCG = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nearby",
		Subsystem: "master",
		Name:      "ranker_ndcg",
	}, []string{LabelCutoff})
	RankerMRR = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nearby",
		Subsystem: "master",
		Name:      "ranker_mrr",
	})
	RankerMAP = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nearby",
		Subsystem: "master",
		Name:      "ranker_map",
	})
	TrainingRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearby",
		Subsystem: "master",
		Name:      "training_runs_total",
	}, []string{LabelResult})
)

func observeScore(score ranking.Score) {
	for _, k := range score.Cutoffs() {
		RankerNDCG.WithLabelValues(strconv.Itoa(k)).Set(score.NDCG[k])
	}
	RankerMRR.Set(score.MRR)
	RankerMAP.Set(score.MAP)
}
