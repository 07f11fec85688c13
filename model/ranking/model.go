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
	"context"
	"fmt"
	"io"
	"reflect"

	"github.com/gorse-io/nearby/common/encoding"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/dataset"
	"github.com/gorse-io/nearby/feature"
	"github.com/gorse-io/nearby/model"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	ErrInsufficientData      = dataset.ErrInsufficientData
	ErrFeatureSchemaMismatch = feature.ErrFeatureSchemaMismatch
)

const headerLambdaMART = "LambdaMART"

type FitConfig struct {
	Jobs               int
	Verbose            int
	Patience           int
	EvalAt             []int
	RelevanceThreshold int
}

func NewFitConfig() *FitConfig {
	return &FitConfig{
		Jobs:               1,
		Verbose:            10,
		Patience:           50,
		EvalAt:             []int{1, 3, 5},
		RelevanceThreshold: 3,
	}
}

func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

func (config *FitConfig) SetJobs(jobs int) *FitConfig {
	config.Jobs = jobs
	return config
}

func (config *FitConfig) SetPatience(patience int) *FitConfig {
	config.Patience = patience
	return config
}

func (config *FitConfig) SetEvalAt(evalAt ...int) *FitConfig {
	config.EvalAt = evalAt
	return config
}

func (config *FitConfig) SetRelevanceThreshold(threshold int) *FitConfig {
	config.RelevanceThreshold = threshold
	return config
}

func (config *FitConfig) LoadDefaultIfNil() *FitConfig {
	if config == nil {
		return NewFitConfig()
	}
	return config
}

// NewFitConfigFromConfig builds fitting options from the configuration file.
func NewFitConfigFromConfig(cfg *config.Config) *FitConfig {
	return NewFitConfig().
		SetJobs(cfg.Master.Jobs).
		SetVerbose(cfg.Ranker.Verbose).
		SetPatience(cfg.Ranker.EarlyStoppingRounds).
		SetEvalAt(cfg.Evaluate.EvalAt...).
		SetRelevanceThreshold(cfg.Evaluate.RelevanceThreshold)
}

// NewParams converts the ranker section of the configuration file to hyper-parameters.
func NewParams(cfg config.RankerConfig) model.Params {
	return model.Params{
		model.Lr:              cfg.LearningRate,
		model.NumRounds:       cfg.NumRounds,
		model.NumLeaves:       cfg.NumLeaves,
		model.MaxDepth:        cfg.MaxDepth,
		model.MinDataInLeaf:   cfg.MinDataInLeaf,
		model.MinSumHessian:   cfg.MinSumHessian,
		model.MinGainToSplit:  cfg.MinGainToSplit,
		model.LambdaL2:        cfg.LambdaL2,
		model.FeatureFraction: cfg.FeatureFraction,
		model.BaggingFraction: cfg.BaggingFraction,
		model.BaggingFreq:     cfg.BaggingFreq,
		model.MaxBin:          cfg.MaxBin,
		model.Sigmoid:         cfg.Sigmoid,
		model.LabelGain:       cfg.LabelGain,
		model.RandomState:     cfg.RandomState,
	}
}

// Ranker scores (user, worker, service) candidates. Scores are only comparable
// within a group.
type Ranker interface {
	model.Model
	// Fit trains the model and returns the score on the validation set.
	Fit(ctx context.Context, trainSet, validSet *dataset.Dataset, config *FitConfig) Score
	// Predict scores every record of a table.
	Predict(table *feature.Table) ([]float32, error)
	// PredictRows scores rows whose values follow GetColumns.
	PredictRows(rows [][]float32) []float32
	// GetColumns returns the feature columns the model was trained on.
	GetColumns() []string
	// GetCategorical returns the categorical columns.
	GetCategorical() []string
	Marshal(w io.Writer) error
	Unmarshal(r io.Reader) error
}

func MarshalModel(w io.Writer, m Ranker) error {
	// write header
	var err error
	switch m.(type) {
	case *LambdaMART:
		err = encoding.WriteString(w, headerLambdaMART)
	default:
		return fmt.Errorf("unknown model: %v", reflect.TypeOf(m))
	}
	if err != nil {
		return err
	}
	return m.Marshal(w)
}

func UnmarshalModel(r io.Reader) (Ranker, error) {
	// read header
	header, err := encoding.ReadString(r)
	if err != nil {
		return nil, err
	}
	switch header {
	case headerLambdaMART:
		var m LambdaMART
		if err := m.Unmarshal(r); err != nil {
			return nil, errors.Trace(err)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("unknown model: %v", header)
}

// Train splits a labeled dataset by users and fits a ranker on it. Datasets with
// fewer than two users or without label variance inside any group are rejected.
func Train(ctx context.Context, d *dataset.Dataset, params model.Params, validFraction float64, config *FitConfig) (Ranker, Score, error) {
	config = config.LoadDefaultIfNil()
	if d.Constant() {
		return nil, Score{}, errors.Annotatef(ErrInsufficientData, "all %d labels are identical", d.Count())
	}
	trainSet, validSet, err := d.Split(validFraction, params.GetInt64(model.RandomState, 0))
	if err != nil {
		return nil, Score{}, errors.Trace(err)
	}
	if !lo.ContainsBy(lo.Range(trainSet.CountGroups()), func(i int) bool {
		return len(lo.Uniq(trainSet.GroupLabels(i))) > 1
	}) {
		return nil, Score{}, errors.Annotatef(ErrInsufficientData, "no group in the training set has distinct labels")
	}
	log.Logger().Info("fit ranker",
		zap.Int("train_groups", trainSet.CountGroups()), zap.Int("train_rows", trainSet.Count()),
		zap.Int("valid_groups", validSet.CountGroups()), zap.Int("valid_rows", validSet.Count()))
	m := NewLambdaMART(params)
	score := m.Fit(ctx, trainSet, validSet, config)
	if err = ctx.Err(); err != nil {
		return nil, Score{}, errors.Trace(err)
	}
	return m, score, nil
}
