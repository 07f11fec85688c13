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
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/dataset"
	"github.com/gorse-io/nearby/feature"
	"github.com/gorse-io/nearby/model/ranking"
	"github.com/gorse-io/nearby/storage/blob"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/gorse-io/nearby/storage/meta"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Report summarizes a training run.
type Report struct {
	Version  string        `json:"version"`
	Score    ranking.Score `json:"score"`
	Deployed bool          `json:"deployed"`
	Rows     int           `json:"rows"`
	Groups   int           `json:"groups"`
	Duration time.Duration `json:"duration"`
}

// Trainer runs the offline pipeline: snapshot, features, labels, ranker, gate
// and registry.
type Trainer struct {
	config     *config.Config
	dataClient data.Database
	metaClient meta.Database
	blobStore  blob.Store
}

func NewTrainer(cfg *config.Config, dataClient data.Database, metaClient meta.Database, blobStore blob.Store) *Trainer {
	return &Trainer{
		config:     cfg,
		dataClient: dataClient,
		metaClient: metaClient,
		blobStore:  blobStore,
	}
}

// LoadDataset reads the training snapshot and labels it.
func (t *Trainer) LoadDataset(ctx context.Context) (*dataset.Dataset, error) {
	start := time.Now()
	users, err := t.dataClient.GetUsers(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	userMap := lo.SliceToMap(users, func(user data.User) (string, data.User) {
		return user.UserId, user
	})
	LoadDatasetStepSecondsVec.WithLabelValues("load_users").Set(time.Since(start).Seconds())

	step := time.Now()
	var records []data.TrainingRecord
	recordChan, errChan := t.dataClient.GetTrainingStream(ctx, t.config.Master.BatchSize)
	for batch := range recordChan {
		records = append(records, batch...)
		log.Logger().Debug("load training records", zap.Int("n_records", len(records)))
	}
	if err = <-errChan; err != nil {
		return nil, errors.Trace(err)
	}
	LoadDatasetStepSecondsVec.WithLabelValues("load_records").Set(time.Since(step).Seconds())

	step = time.Now()
	builder := feature.NewBuilder(t.config.Feature, t.config.Master.Jobs)
	table, err := builder.BuildTrainingSet(ctx, records, userMap, t.config.Master.SkipUnlocated)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if table.Len() == 0 {
		return nil, errors.Annotatef(ranking.ErrInsufficientData, "training snapshot is empty")
	}
	LoadDatasetStepSecondsVec.WithLabelValues("build_features").Set(time.Since(step).Seconds())

	step = time.Now()
	d, err := dataset.NewLabeler(t.config.Labeler).Label(table, userMap)
	if err != nil {
		return nil, errors.Trace(err)
	}
	LoadDatasetStepSecondsVec.WithLabelValues("label").Set(time.Since(step).Seconds())
	LoadDatasetTotalSeconds.Set(time.Since(start).Seconds())
	TrainingRows.Set(float64(d.Count()))
	TrainingGroups.Set(float64(d.CountGroups()))
	log.Logger().Info("load dataset",
		zap.Int("n_users", len(users)),
		zap.Int("n_rows", d.Count()),
		zap.Int("n_groups", d.CountGroups()),
		zap.Duration("duration", time.Since(start)))
	return d, nil
}

// Train fits a new ranker, saves it and records it as the latest model. The model
// is deployed only if its validation score passes the gate.
func (t *Trainer) Train(ctx context.Context) (*Report, error) {
	start := time.Now()
	d, err := t.LoadDataset(ctx)
	if err != nil {
		TrainingRunsTotal.WithLabelValues("failed").Inc()
		return nil, errors.Trace(err)
	}
	report, err := t.TrainDataset(ctx, d)
	if err != nil {
		TrainingRunsTotal.WithLabelValues("failed").Inc()
		return nil, errors.Trace(err)
	}
	report.Duration = time.Since(start)
	TrainingRunsTotal.WithLabelValues(lo.Ternary(report.Deployed, "deployed", "rejected")).Inc()
	return report, nil
}

// TrainDataset fits, saves and registers a ranker on a labeled dataset.
func (t *Trainer) TrainDataset(ctx context.Context, d *dataset.Dataset) (*Report, error) {
	fitStart := time.Now()
	m, score, err := ranking.Train(ctx, d, ranking.NewParams(t.config.Ranker), t.config.Ranker.ValidFraction,
		ranking.NewFitConfigFromConfig(t.config))
	if err != nil {
		return nil, errors.Trace(err)
	}
	RankerFitSeconds.Set(time.Since(fitStart).Seconds())
	observeScore(score)

	version := uuid.NewString()
	manifest, err := ranking.SaveArtifact(t.blobStore, version, m, score)
	if err != nil {
		return nil, errors.Trace(err)
	}
	entry := &meta.Model[ranking.Score]{
		Version:    version,
		Digest:     manifest.Digest,
		Params:     m.GetParams(),
		Score:      score,
		CreateTime: manifest.CreateTime,
	}
	if err = meta.PutModel(t.metaClient, meta.LATEST_RANKER, entry); err != nil {
		return nil, errors.Trace(err)
	}
	report := &Report{
		Version: version,
		Score:   score,
		Rows:    d.Count(),
		Groups:  d.CountGroups(),
	}
	gate := ranking.Gate{
		At:      t.config.Evaluate.GateAt,
		MinNDCG: t.config.Evaluate.MinNDCG,
		MinMAP:  t.config.Evaluate.MinMAP,
	}
	if score.Passes(gate) {
		if err = meta.PutModel(t.metaClient, meta.CURRENT_RANKER, entry); err != nil {
			return nil, errors.Trace(err)
		}
		report.Deployed = true
		log.Logger().Info("deploy ranker", append([]zap.Field{zap.String("version", version)}, score.ZapFields()...)...)
	} else {
		log.Logger().Warn("ranker rejected by gate",
			append([]zap.Field{
				zap.String("version", version),
				zap.Int("gate_at", gate.At),
				zap.Float64("min_ndcg", gate.MinNDCG),
				zap.Float64("min_map", gate.MinMAP),
			}, score.ZapFields()...)...)
	}
	return report, nil
}

// Evaluate scores a saved ranker on the validation users of the current snapshot.
// An empty version evaluates the deployed ranker.
func (t *Trainer) Evaluate(ctx context.Context, version string) (ranking.Score, error) {
	if version == "" {
		entry, err := meta.GetModel[ranking.Score](t.metaClient, meta.CURRENT_RANKER)
		if err != nil {
			return ranking.Score{}, errors.Trace(err)
		}
		if entry == nil {
			return ranking.Score{}, errors.NotFoundf("deployed ranker")
		}
		version = entry.Version
	}
	artifact, err := ranking.OpenArtifact(t.blobStore, version)
	if err != nil {
		return ranking.Score{}, errors.Trace(err)
	}
	d, err := t.LoadDataset(ctx)
	if err != nil {
		return ranking.Score{}, errors.Trace(err)
	}
	_, validSet, err := d.Split(t.config.Ranker.ValidFraction, t.config.Ranker.RandomState)
	if err != nil {
		return ranking.Score{}, errors.Trace(err)
	}
	predictions, err := artifact.Ranker.Predict(&feature.Table{
		Columns: validSet.Columns,
		Records: validSet.Records,
		Groups:  validSet.Groups,
	})
	if err != nil {
		return ranking.Score{}, errors.Trace(err)
	}
	evaluator := ranking.NewEvaluator(t.config.Evaluate.EvalAt, t.config.Ranker.LabelGain, t.config.Evaluate.RelevanceThreshold)
	return evaluator.Evaluate(validSet, predictions), nil
}

// Tune searches hyper-parameters of the ranker with TPE.
func (t *Trainer) Tune(ctx context.Context, trials int) (meta.Model[ranking.Score], error) {
	d, err := t.LoadDataset(ctx)
	if err != nil {
		return meta.Model[ranking.Score]{}, errors.Trace(err)
	}
	trainSet, validSet, err := d.Split(t.config.Ranker.ValidFraction, t.config.Ranker.RandomState)
	if err != nil {
		return meta.Model[ranking.Score]{}, errors.Trace(err)
	}
	_, result, err := ranking.Search(ctx, ranking.NewParams(t.config.Ranker), trainSet, validSet,
		ranking.NewFitConfigFromConfig(t.config), trials)
	if err != nil {
		return meta.Model[ranking.Score]{}, errors.Trace(err)
	}
	return result, nil
}
