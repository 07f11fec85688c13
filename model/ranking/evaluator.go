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

package ranking

import (
	"fmt"
	"math"
	"sort"

	"github.com/gorse-io/nearby/dataset"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Score is the offline quality of a ranker. NDCG is keyed by cutoff and K is the
// cutoff used to compare scores.
type Score struct {
	NDCG   map[int]float64 `json:"ndcg"`
	MRR    float64         `json:"mrr"`
	MAP    float64         `json:"map"`
	Groups int             `json:"groups"`
	K      int             `json:"k"`
}

func (score Score) ZapFields() []zap.Field {
	fields := make([]zap.Field, 0, len(score.NDCG)+3)
	for _, k := range score.Cutoffs() {
		fields = append(fields, zap.Float64(fmt.Sprintf("NDCG@%d", k), score.NDCG[k]))
	}
	return append(fields,
		zap.Float64("MRR", score.MRR),
		zap.Float64("MAP", score.MAP),
		zap.Int("groups", score.Groups))
}

// Cutoffs returns NDCG cutoffs in ascending order.
func (score Score) Cutoffs() []int {
	cutoffs := lo.Keys(score.NDCG)
	sort.Ints(cutoffs)
	return cutoffs
}

func (score Score) GetValue() float64 {
	return score.NDCG[score.K]
}

func (score Score) BetterThan(s Score) bool {
	return score.GetValue() > s.GetValue()
}

// Gate is the minimum quality for a model to be deployed.
type Gate struct {
	At      int
	MinNDCG float64
	MinMAP  float64
}

// Passes reports whether the score reaches the gate. A score without NDCG at the
// gate cutoff never passes.
func (score Score) Passes(gate Gate) bool {
	ndcg, ok := score.NDCG[gate.At]
	return ok && score.Groups > 0 && ndcg >= gate.MinNDCG && score.MAP >= gate.MinMAP
}

// Evaluator computes NDCG@k, MRR and MAP per group and averages them.
type Evaluator struct {
	EvalAt             []int
	LabelGain          []float64
	RelevanceThreshold int
}

func NewEvaluator(evalAt []int, labelGain []float64, threshold int) *Evaluator {
	return &Evaluator{
		EvalAt:             evalAt,
		LabelGain:          labelGain,
		RelevanceThreshold: threshold,
	}
}

// Evaluate scores a dataset given predictions in row order. Rows of a group are
// ranked by prediction descending and ties keep the row order.
func (e *Evaluator) Evaluate(d *dataset.Dataset, predictions []float32) Score {
	score := Score{
		NDCG:   make(map[int]float64, len(e.EvalAt)),
		Groups: d.CountGroups(),
		K:      lo.Max(e.EvalAt),
	}
	for _, k := range e.EvalAt {
		score.NDCG[k] = 0
	}
	if d.CountGroups() == 0 {
		return score
	}
	var relevantGroups int
	for _, group := range d.Groups {
		labels := RankLabels(d.Labels[group.Begin:group.End], predictions[group.Begin:group.End])
		for _, k := range e.EvalAt {
			score.NDCG[k] += NDCG(labels, k, e.LabelGain)
		}
		if rr, ok := ReciprocalRank(labels, e.RelevanceThreshold); ok {
			score.MRR += rr
			score.MAP += AveragePrecision(labels, e.RelevanceThreshold)
			relevantGroups++
		}
	}
	for _, k := range e.EvalAt {
		score.NDCG[k] /= float64(d.CountGroups())
	}
	if relevantGroups > 0 {
		score.MRR /= float64(relevantGroups)
		score.MAP /= float64(relevantGroups)
	}
	return score
}

// RankLabels orders labels by predictions descending. Ties keep the input order.
func RankLabels(labels []int, predictions []float32) []int {
	indices := lo.Range(len(labels))
	sort.SliceStable(indices, func(i, j int) bool {
		return predictions[indices[i]] > predictions[indices[j]]
	})
	return lo.Map(indices, func(i int, _ int) int { return labels[i] })
}

func gain(labelGain []float64, label int) float64 {
	if label < 0 {
		return 0
	}
	if label < len(labelGain) {
		return labelGain[label]
	}
	return math.Exp2(float64(label)) - 1
}

// discount of the 0-based position i.
func discount(i int) float64 {
	return 1 / math.Log2(float64(i)+2)
}

// DCG of ranked labels truncated at k.
func DCG(labels []int, k int, labelGain []float64) float64 {
	dcg := 0.0
	for i := 0; i < len(labels) && i < k; i++ {
		dcg += gain(labelGain, labels[i]) * discount(i)
	}
	return dcg
}

// NDCG of ranked labels truncated at k. A group without any gain scores 1.
//
//	NDCG@k = DCG@k / IDCG@k
func NDCG(labels []int, k int, labelGain []float64) float64 {
	ideal := append([]int(nil), labels...)
	sort.Sort(sort.Reverse(sort.IntSlice(ideal)))
	idcg := DCG(ideal, k, labelGain)
	if idcg <= 0 {
		return 1
	}
	return DCG(labels, k, labelGain) / idcg
}

// ReciprocalRank is 1/position of the first relevant label. It returns false if
// no label reaches the threshold.
func ReciprocalRank(labels []int, threshold int) (float64, bool) {
	for i, label := range labels {
		if label >= threshold {
			return 1 / float64(i+1), true
		}
	}
	return 0, false
}

// AveragePrecision is the mean of precision at each relevant position.
func AveragePrecision(labels []int, threshold int) float64 {
	var hits int
	var sum float64
	for i, label := range labels {
		if label >= threshold {
			hits++
			sum += float64(hits) / float64(i+1)
		}
	}
	if hits == 0 {
		return 0
	}
	return sum / float64(hits)
}
