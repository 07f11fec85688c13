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
	"testing"

	"github.com/gorse-io/nearby/dataset"
	"github.com/gorse-io/nearby/feature"
	"github.com/stretchr/testify/assert"
)

const evalEpsilon = 0.00001

var testLabelGain = []float64{0, 1, 2, 3, 4, 5}

func TestNDCG(t *testing.T) {
	labels := []int{0, 2, 1}
	assert.InDelta(t, 0.669679, NDCG(labels, 3, testLabelGain), evalEpsilon)
	assert.InDelta(t, 0.0, NDCG(labels, 1, testLabelGain), evalEpsilon)
	assert.InDelta(t, 1.0, NDCG([]int{2, 1, 0}, 3, testLabelGain), evalEpsilon)
	// cutoff beyond the group
	assert.InDelta(t, 0.669679, NDCG(labels, 10, testLabelGain), evalEpsilon)
	// no gain at all
	assert.Equal(t, 1.0, NDCG([]int{0, 0}, 5, testLabelGain))
	assert.Equal(t, 1.0, NDCG(nil, 5, testLabelGain))
	// grades beyond the table use 2^l-1
	assert.InDelta(t, 63.0, DCG([]int{6}, 1, testLabelGain), evalEpsilon)
}

func TestReciprocalRank(t *testing.T) {
	rr, ok := ReciprocalRank([]int{0, 2, 1}, 1)
	assert.True(t, ok)
	assert.InDelta(t, 0.5, rr, evalEpsilon)
	_, ok = ReciprocalRank([]int{0, 2, 1}, 3)
	assert.False(t, ok)
}

func TestAveragePrecision(t *testing.T) {
	assert.InDelta(t, (1.0/2+2.0/3)/2, AveragePrecision([]int{0, 2, 1}, 1), evalEpsilon)
	assert.InDelta(t, 1.0, AveragePrecision([]int{4, 3, 0}, 3), evalEpsilon)
	assert.Zero(t, AveragePrecision([]int{0, 1}, 3))
}

func TestRankLabels(t *testing.T) {
	assert.Equal(t, []int{3, 1, 2, 0}, RankLabels([]int{0, 1, 2, 3}, []float32{0, 0.5, 0.5, 1}))
}

func TestEvaluate(t *testing.T) {
	d := &dataset.Dataset{
		Labels: []int{0, 4, 1, 0, 0, 5, 3},
		Groups: []feature.Group{
			{UserId: "a", Begin: 0, End: 3},
			{UserId: "b", Begin: 3, End: 5},
			{UserId: "c", Begin: 5, End: 7},
		},
	}
	predictions := []float32{0.9, 0.5, 0.1, 0.2, 0.3, 0.1, 0.2}
	evaluator := NewEvaluator([]int{1, 3, 5}, testLabelGain, 3)
	score := evaluator.Evaluate(d, predictions)
	assert.Equal(t, 3, score.Groups)
	assert.Equal(t, 5, score.K)
	assert.Equal(t, []int{1, 3, 5}, score.Cutoffs())
	// a: [0, 4, 1], b: no gain, c: [3, 5]
	ndcgA := NDCG([]int{0, 4, 1}, 1, testLabelGain)
	ndcgC := NDCG([]int{3, 5}, 1, testLabelGain)
	assert.InDelta(t, (ndcgA+1+ndcgC)/3, score.NDCG[1], evalEpsilon)
	for _, k := range score.Cutoffs() {
		assert.GreaterOrEqual(t, score.NDCG[k], 0.0)
		assert.LessOrEqual(t, score.NDCG[k], 1.0)
	}
	// b has no relevant row
	assert.InDelta(t, (0.5+1.0)/2, score.MRR, evalEpsilon)
	assert.InDelta(t, (0.5+1.0)/2, score.MAP, evalEpsilon)

	empty := evaluator.Evaluate(&dataset.Dataset{}, nil)
	assert.Zero(t, empty.Groups)
	assert.Zero(t, empty.NDCG[5])
	assert.False(t, empty.Passes(Gate{At: 5}))
}

func TestScore(t *testing.T) {
	a := Score{NDCG: map[int]float64{1: 0.5, 5: 0.8}, MAP: 0.3, Groups: 2, K: 5}
	b := Score{NDCG: map[int]float64{1: 0.9, 5: 0.7}, MAP: 0.4, Groups: 2, K: 5}
	assert.True(t, a.BetterThan(b))
	assert.False(t, b.BetterThan(a))
	assert.Equal(t, 0.8, a.GetValue())
	assert.Len(t, a.ZapFields(), 5)

	assert.True(t, a.Passes(Gate{At: 5, MinNDCG: 0.8, MinMAP: 0.3}))
	assert.False(t, a.Passes(Gate{At: 5, MinNDCG: 0.81}))
	assert.False(t, a.Passes(Gate{At: 5, MinMAP: 0.5}))
	assert.False(t, a.Passes(Gate{At: 10}))
}
