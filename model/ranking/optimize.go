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

	"github.com/c-bata/goptuna"
	"github.com/c-bata/goptuna/tpe"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/dataset"
	"github.com/gorse-io/nearby/model"
	"github.com/gorse-io/nearby/storage/meta"
	"github.com/juju/errors"
)

type ModelCreator func(params model.Params) Ranker

// ModelSearch is the objective of hyper-parameter search. Every trial fits a new
// ranker and the best one is kept.
type ModelSearch struct {
	ctx      context.Context
	creator  ModelCreator
	params   model.Params
	trainSet *dataset.Dataset
	validSet *dataset.Dataset
	config   *FitConfig
	best     Ranker
	result   meta.Model[Score]
}

func NewModelSearch(ctx context.Context, creator ModelCreator, params model.Params, trainSet, validSet *dataset.Dataset, config *FitConfig) *ModelSearch {
	return &ModelSearch{
		ctx:      ctx,
		creator:  creator,
		params:   params,
		trainSet: trainSet,
		validSet: validSet,
		config:   config,
	}
}

func (ms *ModelSearch) Objective(trial goptuna.Trial) (float64, error) {
	if ms.creator == nil {
		return 0, errors.New("no model to search")
	}
	if err := ms.ctx.Err(); err != nil {
		return 0, errors.Trace(err)
	}
	m := ms.creator(ms.params)
	m.SetParams(m.SuggestParams(trial))
	score := m.Fit(ms.ctx, ms.trainSet, ms.validSet, ms.config)
	log.Logger().Info("search trial", append(m.GetParams().ZapFields(), score.ZapFields()...)...)
	if ms.best == nil || score.BetterThan(ms.result.Score) {
		ms.best = m
		ms.result = meta.Model[Score]{
			Params: m.GetParams(),
			Score:  score,
		}
	}
	return score.GetValue(), nil
}

func (ms *ModelSearch) Result() meta.Model[Score] {
	return ms.result
}

// Best returns the best ranker found so far.
func (ms *ModelSearch) Best() Ranker {
	return ms.best
}

// Search runs a TPE study over the hyper-parameters of the ranker.
func Search(ctx context.Context, params model.Params, trainSet, validSet *dataset.Dataset, config *FitConfig, trials int) (Ranker, meta.Model[Score], error) {
	study, err := goptuna.CreateStudy("nearby-ranker",
		goptuna.StudyOptionDirection(goptuna.StudyDirectionMaximize),
		goptuna.StudyOptionSampler(tpe.NewSampler(tpe.SamplerOptionSeed(params.GetInt64(model.RandomState, 0)))))
	if err != nil {
		return nil, meta.Model[Score]{}, errors.Trace(err)
	}
	search := NewModelSearch(ctx, func(p model.Params) Ranker { return NewLambdaMART(p) }, params, trainSet, validSet, config)
	if err = study.Optimize(search.Objective, trials); err != nil {
		return nil, meta.Model[Score]{}, errors.Trace(err)
	}
	log.Logger().Info("search complete", search.Result().Score.ZapFields()...)
	return search.Best(), search.Result(), nil
}
