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
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/dataset"
	"github.com/gorse-io/nearby/feature"
	"github.com/gorse-io/nearby/model"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

// newDistanceDataset creates groups whose labels decay with distance.
func newDistanceDataset(numGroups, groupSize int, seed int64) *dataset.Dataset {
	rng := rand.New(rand.NewSource(seed))
	d := &dataset.Dataset{Columns: feature.Columns, Categorical: feature.Categorical}
	for g := 0; g < numGroups; g++ {
		begin := d.Count()
		for i := 0; i < groupSize; i++ {
			distance := rng.Float64() * 50
			row := make([]float32, len(feature.Columns))
			row[0] = float32(12.8 + rng.Float64()*0.25)
			row[1] = float32(77.45 + rng.Float64()*0.3)
			row[2] = float32(200 + rng.Intn(800))
			row[4] = float32(distance)
			row[5] = float32(distance * 2)
			row[6] = float32(feature.DistanceBucket(distance))
			row[8] = float32(rng.Float64() * 5)
			d.Features = append(d.Features, row)
			d.Labels = append(d.Labels, int(math.Round(lo.Clamp(5-distance/10, 0, 5))))
		}
		d.Groups = append(d.Groups, feature.Group{UserId: fmt.Sprintf("u%d", g), Begin: begin, End: d.Count()})
	}
	return d
}

func newTestParams() model.Params {
	return NewParams(config.GetDefaultConfig().Ranker).Overwrite(model.Params{
		model.NumRounds:     50,
		model.Lr:            0.1,
		model.MinDataInLeaf: 5,
	})
}

func TestLambdaMART_Fit(t *testing.T) {
	trainSet := newDistanceDataset(40, 10, 1)
	validSet := newDistanceDataset(10, 10, 2)
	m := NewLambdaMART(newTestParams())
	assert.True(t, m.Invalid())
	score := m.Fit(context.Background(), trainSet, validSet, NewFitConfig().SetJobs(2))
	assert.False(t, m.Invalid())
	assert.Equal(t, 10, score.Groups)
	assert.Greater(t, score.NDCG[5], 0.9)
	assert.LessOrEqual(t, len(m.Trees), 50)
	for _, tree := range m.Trees {
		assert.LessOrEqual(t, tree.NumLeaves(), 15)
	}

	// random scores are worse
	evaluator := NewEvaluator([]int{1, 3, 5}, testLabelGain, 3)
	rng := rand.New(rand.NewSource(0))
	random := evaluator.Evaluate(validSet, lo.Times(validSet.Count(), func(int) float32 { return rng.Float32() }))
	assert.True(t, score.BetterThan(random))

	// the nearest candidate ranks first
	predictions := m.PredictRows([][]float32{
		{12.9, 77.5, 500, 0, 0.5, 1, 0, 0, 3, 0, 0},
		{12.9, 77.5, 500, 0, 45, 90, 3, 0, 3, 0, 0},
	})
	assert.Greater(t, predictions[0], predictions[1])

	// deterministic
	m2 := NewLambdaMART(newTestParams())
	m2.Fit(context.Background(), trainSet, validSet, NewFitConfig())
	assert.Equal(t, m.PredictRows(validSet.Features), m2.PredictRows(validSet.Features))
}

func TestLambdaMART_EarlyStopping(t *testing.T) {
	trainSet := newDistanceDataset(20, 10, 1)
	// every ranking of the validation set is perfect
	validSet := newDistanceDataset(5, 10, 2)
	validSet.Labels = make([]int, validSet.Count())
	m := NewLambdaMART(newTestParams())
	m.Fit(context.Background(), trainSet, validSet, NewFitConfig().SetPatience(3))
	assert.Len(t, m.Trees, 1)

	// without a validation set every round is kept
	m.Fit(context.Background(), trainSet, &dataset.Dataset{}, NewFitConfig().SetPatience(3))
	assert.Len(t, m.Trees, 50)
}

func TestLambdaMART_Categorical(t *testing.T) {
	d := &dataset.Dataset{Columns: []string{"bucket", "constant"}, Categorical: []string{"bucket"}}
	for g := 0; g < 20; g++ {
		begin := d.Count()
		for code := 0; code < 4; code++ {
			d.Features = append(d.Features, []float32{float32(code), 1})
			d.Labels = append(d.Labels, lo.Ternary(code == 2, 5, 0))
		}
		d.Groups = append(d.Groups, feature.Group{UserId: fmt.Sprintf("u%d", g), Begin: begin, End: d.Count()})
	}
	m := NewLambdaMART(newTestParams().Overwrite(model.Params{model.MinDataInLeaf: 1, model.NumRounds: 5, model.NumLeaves: 2}))
	m.Fit(context.Background(), d, &dataset.Dataset{}, nil)
	root := m.Trees[0].Nodes[0]
	assert.Equal(t, 0, root.Feature)
	assert.NotNil(t, root.Categories)
	assert.True(t, root.Categories.Test(2))
	assert.False(t, root.Categories.Test(0))
	predictions := m.PredictRows([][]float32{{0, 1}, {1, 1}, {2, 1}, {3, 1}, {7, 1}})
	assert.Equal(t, 2, lo.IndexOf(predictions, lo.Max(predictions)))
	// unseen codes follow the other codes
	assert.Equal(t, predictions[0], predictions[4])
}

func TestLambdaMART_Predict(t *testing.T) {
	trainSet := newDistanceDataset(10, 10, 1)
	m := NewLambdaMART(newTestParams().Overwrite(model.Params{model.NumRounds: 5}))
	_, err := m.Predict(&feature.Table{Columns: feature.Columns})
	assert.True(t, errors.Is(err, errors.NotValid))
	m.Fit(context.Background(), trainSet, &dataset.Dataset{}, nil)

	table := &feature.Table{Columns: feature.Columns}
	for _, row := range trainSet.Features[:3] {
		table.Records = append(table.Records, feature.Record{Values: row})
	}
	predictions, err := m.Predict(table)
	assert.NoError(t, err)
	assert.Equal(t, m.PredictRows(trainSet.Features[:3]), predictions)

	// a column is missing
	table.Columns = feature.Columns[1:]
	_, err = m.Predict(table)
	assert.True(t, errors.Is(err, ErrFeatureSchemaMismatch))
}

func TestMarshalModel(t *testing.T) {
	trainSet := newDistanceDataset(10, 10, 1)
	m := NewLambdaMART(newTestParams().Overwrite(model.Params{model.NumRounds: 10}))
	m.Fit(context.Background(), trainSet, &dataset.Dataset{}, nil)
	buf := bytes.NewBuffer(nil)
	assert.NoError(t, MarshalModel(buf, m))
	decoded, err := UnmarshalModel(buf)
	assert.NoError(t, err)
	assert.Equal(t, m.GetColumns(), decoded.GetColumns())
	assert.Equal(t, m.GetCategorical(), decoded.GetCategorical())
	assert.Equal(t, 10, decoded.GetParams().GetInt(model.NumRounds, 0))
	assert.Equal(t, m.PredictRows(trainSet.Features), decoded.PredictRows(trainSet.Features))

	_, err = UnmarshalModel(bytes.NewBufferString("garbage"))
	assert.Error(t, err)
}

func TestTrain(t *testing.T) {
	ctx := context.Background()
	d := newDistanceDataset(20, 8, 3)
	m, score, err := Train(ctx, d, newTestParams(), 0.2, NewFitConfig())
	assert.NoError(t, err)
	assert.False(t, m.Invalid())
	assert.Equal(t, 4, score.Groups)

	// every label is the same
	constant := newDistanceDataset(20, 8, 3)
	constant.Labels = make([]int, constant.Count())
	_, _, err = Train(ctx, constant, newTestParams(), 0.2, nil)
	assert.True(t, errors.Is(err, ErrInsufficientData))

	// a single user
	_, _, err = Train(ctx, newDistanceDataset(1, 8, 3), newTestParams(), 0.2, nil)
	assert.True(t, errors.Is(err, ErrInsufficientData))

	// variance only across groups
	flat := newDistanceDataset(4, 2, 3)
	flat.Labels = []int{1, 1, 2, 2, 3, 3, 4, 4}
	_, _, err = Train(ctx, flat, newTestParams(), 0.25, nil)
	assert.True(t, errors.Is(err, ErrInsufficientData))
}
