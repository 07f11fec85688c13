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

package logics

import (
	"context"
	"sort"

	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/feature"
	"github.com/gorse-io/nearby/model/ranking"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const ErrMissingLocation = feature.ErrMissingLocation

// RankedResult is a recommended (worker, service) pair.
type RankedResult struct {
	WorkerId    string  `json:"worker_id"`
	WorkerName  string  `json:"worker_name"`
	ServiceId   string  `json:"service_id"`
	ServiceName string  `json:"service_name"`
	Score       float64 `json:"score"`
	DistanceKm  float64 `json:"distance_km"`
	Charge      float64 `json:"charge"`
	Rank        int     `json:"rank"`
}

// Recommendation is the outcome of ranking candidates for a user.
type Recommendation struct {
	UserId       string
	ColdStart    bool
	ModelVersion string
	Candidates   int
	Results      []RankedResult
}

// Recommender ranks nearby workers for users. The ranker in the handle is used when
// one is loaded, otherwise candidates are scored by weighted heuristics.
type Recommender struct {
	config     config.RecommendConfig
	dataClient data.Database
	builder    *feature.Builder
	handle     *ranking.Handle
}

func NewRecommender(cfg *config.Config, dataClient data.Database, handle *ranking.Handle) *Recommender {
	if handle == nil {
		handle = ranking.NewHandle()
	}
	return &Recommender{
		config:     cfg.Recommend,
		dataClient: dataClient,
		builder:    feature.NewBuilder(cfg.Feature, 1),
		handle:     handle,
	}
}

// Recommend returns the top n workers for a user.
func (r *Recommender) Recommend(ctx context.Context, userId string, n int) ([]RankedResult, error) {
	recommendation, err := r.RecommendDetail(ctx, userId, n)
	if err != nil {
		return nil, err
	}
	return recommendation.Results, nil
}

// RecommendDetail loads the user and the candidates and ranks them.
func (r *Recommender) RecommendDetail(ctx context.Context, userId string, n int) (*Recommendation, error) {
	user, err := r.dataClient.GetUserContext(ctx, userId)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if user.Coordinate == nil {
		return nil, errors.Annotatef(ErrMissingLocation, "user %s", userId)
	}
	candidates, err := r.dataClient.ListCandidates(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return r.Rank(ctx, user, candidates, n)
}

// Rank scores candidates for a user and returns the top n. A non-positive n keeps
// every candidate.
func (r *Recommender) Rank(ctx context.Context, user *data.UserContext, candidates []data.CandidateWorker, n int) (*Recommendation, error) {
	if user.Coordinate == nil {
		return nil, errors.Annotatef(ErrMissingLocation, "user %s", user.UserId)
	}
	recommendation := &Recommendation{
		UserId:    user.UserId,
		ColdStart: user.IsNewUser(),
		Results:   []RankedResult{},
	}
	eligible := lo.Filter(candidates, func(c data.CandidateWorker, _ int) bool { return c.Eligible() })
	if len(eligible) == 0 {
		return recommendation, nil
	}
	table, err := r.builder.Build(ctx, user, eligible)
	if err != nil {
		return nil, errors.Trace(err)
	}
	recommendation.Candidates = table.Len()
	if table.Len() == 0 {
		return recommendation, nil
	}

	var scores []float64
	if artifact := r.handle.Load(); artifact != nil {
		predictions, err := artifact.Ranker.Predict(table)
		if err != nil {
			return nil, errors.Trace(err)
		}
		scores = lo.Map(predictions, func(p float32, _ int) float64 { return float64(p) })
		if artifact.Manifest != nil {
			recommendation.ModelVersion = artifact.Manifest.Version
		}
	} else if recommendation.ColdStart {
		scores = lo.Map(table.Records, func(record feature.Record, _ int) float64 {
			return r.coldStartScore(&record)
		})
	} else {
		scores = lo.Map(table.Records, func(record feature.Record, _ int) float64 {
			return r.warmScore(&record)
		})
	}

	results := make([]RankedResult, table.Len())
	for i, record := range table.Records {
		results[i] = RankedResult{
			WorkerId:    record.WorkerId,
			WorkerName:  record.WorkerName,
			ServiceId:   record.ServiceId,
			ServiceName: record.ServiceName,
			Score:       scores[i],
			DistanceKm:  record.DistanceKm,
			Charge:      record.Charge,
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if n > 0 && len(results) > n {
		results = results[:n]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	recommendation.Results = results
	log.Logger().Debug("rank candidates",
		zap.String("user_id", user.UserId),
		zap.Bool("cold_start", recommendation.ColdStart),
		zap.String("model_version", recommendation.ModelVersion),
		zap.Int("candidates", recommendation.Candidates),
		zap.Int("results", len(results)))
	return recommendation, nil
}

func (r *Recommender) coldStartScore(record *feature.Record) float64 {
	w := r.config.ColdStart
	return w.Proximity*record.ProximityRank +
		w.Quality*record.QualityRank +
		w.Cost*record.CostRank
}

func (r *Recommender) warmScore(record *feature.Record) float64 {
	w := r.config.Warm
	return w.Proximity*record.ProximityRank +
		w.ServiceMatch*record.ServiceMatch +
		w.Popularity*record.PopularityRank +
		w.RepeatAffinity*record.RepeatAffinityRank +
		w.Cost*record.CostRank +
		w.Quality*record.QualityRank
}
