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
	"fmt"
	"io"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/c-bata/goptuna"
	"github.com/gorse-io/nearby/common/geo"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/dataset"
	"github.com/gorse-io/nearby/feature"
	"github.com/gorse-io/nearby/model"
	"github.com/gorse-io/nearby/model/ranking"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

var origin = geo.Coordinate{Latitude: 12.9, Longitude: 77.6}

// north returns the coordinate km kilometers north of the origin.
func north(km float64) *geo.Coordinate {
	return &geo.Coordinate{
		Latitude:  origin.Latitude + km/geo.EarthRadiusKm*180/math.Pi,
		Longitude: origin.Longitude,
	}
}

func newCandidate(workerId string, km float64, services ...string) data.CandidateWorker {
	return data.CandidateWorker{
		WorkerStats: data.WorkerStats{AverageRating: 4, TotalBookings: 10},
		WorkerId:    workerId,
		Name:        "worker " + workerId,
		Coordinate:  north(km),
		IsAvailable: true,
		Services: lo.Map(services, func(serviceId string, _ int) data.CandidateService {
			return data.CandidateService{ServiceId: serviceId, ServiceName: "service " + serviceId, Charge: lo.ToPtr(500.0)}
		}),
	}
}

// distanceRanker scores candidates by their distance, farthest first.
type distanceRanker struct {
	model.BaseModel
}

func (m *distanceRanker) Fit(_ context.Context, _, _ *dataset.Dataset, _ *ranking.FitConfig) ranking.Score {
	return ranking.Score{}
}

func (m *distanceRanker) SuggestParams(_ goptuna.Trial) model.Params {
	return nil
}

func (m *distanceRanker) Predict(table *feature.Table) ([]float32, error) {
	return table.Column(feature.DistanceKm)
}

func (m *distanceRanker) PredictRows(rows [][]float32) []float32 {
	return lo.Map(rows, func(row []float32, _ int) float32 { return row[4] })
}

func (m *distanceRanker) GetColumns() []string {
	return feature.Columns
}

func (m *distanceRanker) GetCategorical() []string {
	return feature.Categorical
}

func (m *distanceRanker) Marshal(_ io.Writer) error {
	panic("don't call me")
}

func (m *distanceRanker) Unmarshal(_ io.Reader) error {
	panic("don't call me")
}

func (m *distanceRanker) Clear() {}

func (m *distanceRanker) Invalid() bool {
	return false
}

func TestRank_ColdStartOrder(t *testing.T) {
	recommender := NewRecommender(config.GetDefaultConfig(), nil, nil)
	user := &data.UserContext{UserId: "u", Coordinate: &origin}
	candidates := []data.CandidateWorker{
		newCandidate("far", 50, "s"),
		newCandidate("near", 0.5, "s"),
		newCandidate("mid", 5, "s"),
	}
	recommendation, err := recommender.Rank(context.Background(), user, candidates, 10)
	assert.NoError(t, err)
	assert.True(t, recommendation.ColdStart)
	assert.Empty(t, recommendation.ModelVersion)
	results := recommendation.Results
	assert.Equal(t, []string{"near", "mid", "far"}, lo.Map(results, func(r RankedResult, _ int) string { return r.WorkerId }))
	assert.Equal(t, []int{1, 2, 3}, lo.Map(results, func(r RankedResult, _ int) int { return r.Rank }))
	assert.InDelta(t, 0.5, results[0].DistanceKm, 1e-6)
	assert.InDelta(t, 5, results[1].DistanceKm, 1e-6)
	assert.InDelta(t, 50, results[2].DistanceKm, 1e-6)
	// quality and cost are constant
	assert.InDelta(t, 0.7*math.Exp(-0.05)+0.2*0.5+0.1*0.5, results[0].Score, 1e-6)
	assert.Equal(t, 500.0, results[0].Charge)
}

func TestRank_ColdStartMonotonic(t *testing.T) {
	recommender := NewRecommender(config.GetDefaultConfig(), nil, nil)
	user := &data.UserContext{UserId: "u", Coordinate: &origin}
	rng := rand.New(rand.NewSource(0))
	candidates := lo.Times(20, func(i int) data.CandidateWorker {
		return newCandidate(fmt.Sprintf("w%d", i), rng.Float64()*100, "s")
	})
	recommendation, err := recommender.Rank(context.Background(), user, candidates, 0)
	assert.NoError(t, err)
	assert.Len(t, recommendation.Results, 20)
	for i := 1; i < len(recommendation.Results); i++ {
		assert.LessOrEqual(t, recommendation.Results[i-1].DistanceKm, recommendation.Results[i].DistanceKm)
		assert.GreaterOrEqual(t, recommendation.Results[i-1].Score, recommendation.Results[i].Score)
	}
}

func TestRank_WarmUser(t *testing.T) {
	recommender := NewRecommender(config.GetDefaultConfig(), nil, nil)
	w := newCandidate("W", 3, "S")
	x := newCandidate("X", 1, "T")
	x.Services[0].Charge = lo.ToPtr(300.0)
	x.AverageRating = 5
	x.TotalBookings = 20
	candidates := []data.CandidateWorker{w, x}

	coldUser := &data.UserContext{UserId: "new", Coordinate: &origin}
	cold, err := recommender.Rank(context.Background(), coldUser, candidates, 10)
	assert.NoError(t, err)
	warmUser := &data.UserContext{
		UserId:         "returning",
		Coordinate:     &origin,
		BookingHistory: []data.BookingEvent{{WorkerId: "W", ServiceId: "S", Timestamp: time.Now()}},
	}
	warm, err := recommender.Rank(context.Background(), warmUser, candidates, 10)
	assert.NoError(t, err)
	assert.False(t, warm.ColdStart)

	find := func(results []RankedResult) RankedResult {
		result, ok := lo.Find(results, func(r RankedResult) bool { return r.WorkerId == "W" && r.ServiceId == "S" })
		assert.True(t, ok)
		return result
	}
	coldScore, warmScore := find(cold.Results).Score, find(warm.Results).Score
	assert.InDelta(t, 0.7*math.Exp(-0.3), coldScore, 1e-6)
	assert.InDelta(t, 0.4*math.Exp(-0.3)+0.2+0.1, warmScore, 1e-6)
	assert.GreaterOrEqual(t, warmScore, coldScore)
}

func TestRank_Truncate(t *testing.T) {
	recommender := NewRecommender(config.GetDefaultConfig(), nil, nil)
	user := &data.UserContext{UserId: "u", Coordinate: &origin}
	candidates := lo.Times(5, func(i int) data.CandidateWorker {
		return newCandidate(fmt.Sprintf("w%d", i), float64(i+1), "a", "b")
	})
	recommendation, err := recommender.Rank(context.Background(), user, candidates, 3)
	assert.NoError(t, err)
	assert.Equal(t, 10, recommendation.Candidates)
	assert.Len(t, recommendation.Results, 3)
	// ties keep the order of candidates
	assert.Equal(t, "w0", recommendation.Results[0].WorkerId)
	assert.Equal(t, "a", recommendation.Results[0].ServiceId)
	assert.Equal(t, "w0", recommendation.Results[1].WorkerId)
	assert.Equal(t, "b", recommendation.Results[1].ServiceId)
	assert.Equal(t, 3, recommendation.Results[2].Rank)
}

func TestRank_Empty(t *testing.T) {
	recommender := NewRecommender(config.GetDefaultConfig(), nil, nil)
	user := &data.UserContext{UserId: "u", Coordinate: &origin}
	recommendation, err := recommender.Rank(context.Background(), user, nil, 10)
	assert.NoError(t, err)
	assert.NotNil(t, recommendation.Results)
	assert.Empty(t, recommendation.Results)

	// ineligible workers
	busy := newCandidate("busy", 1, "s")
	busy.IsAvailable = false
	lost := newCandidate("lost", 1, "s")
	lost.Coordinate = nil
	recommendation, err = recommender.Rank(context.Background(), user, []data.CandidateWorker{busy, lost}, 10)
	assert.NoError(t, err)
	assert.Empty(t, recommendation.Results)

	// workers without services
	recommendation, err = recommender.Rank(context.Background(), user, []data.CandidateWorker{newCandidate("idle", 1)}, 10)
	assert.NoError(t, err)
	assert.Empty(t, recommendation.Results)
}

func TestRank_MissingLocation(t *testing.T) {
	recommender := NewRecommender(config.GetDefaultConfig(), nil, nil)
	_, err := recommender.Rank(context.Background(), &data.UserContext{UserId: "u"},
		[]data.CandidateWorker{newCandidate("w", 1, "s")}, 10)
	assert.True(t, errors.Is(err, ErrMissingLocation))

	_, err = recommender.Rank(context.Background(), &data.UserContext{UserId: "u", Coordinate: &geo.Coordinate{Latitude: 91}},
		[]data.CandidateWorker{newCandidate("w", 1, "s")}, 10)
	assert.True(t, errors.Is(err, geo.ErrInvalidCoordinate))
}

func TestRank_ModelPrecedence(t *testing.T) {
	handle := ranking.NewHandle()
	recommender := NewRecommender(config.GetDefaultConfig(), nil, handle)
	user := &data.UserContext{UserId: "u", Coordinate: &origin}
	candidates := []data.CandidateWorker{newCandidate("near", 1, "s"), newCandidate("far", 20, "s")}

	recommendation, err := recommender.Rank(context.Background(), user, candidates, 10)
	assert.NoError(t, err)
	assert.Equal(t, "near", recommendation.Results[0].WorkerId)

	handle.Swap(&ranking.Artifact{Ranker: &distanceRanker{}, Manifest: &ranking.Manifest{Version: "v1"}})
	recommendation, err = recommender.Rank(context.Background(), user, candidates, 10)
	assert.NoError(t, err)
	assert.Equal(t, "v1", recommendation.ModelVersion)
	assert.Equal(t, "far", recommendation.Results[0].WorkerId)
	assert.InDelta(t, 20, recommendation.Results[0].Score, 1e-3)
}

type RecommenderTestSuite struct {
	suite.Suite
	dataClient  data.Database
	recommender *Recommender
}

func (suite *RecommenderTestSuite) SetupTest() {
	var err error
	suite.dataClient, err = data.Open(fmt.Sprintf("sqlite://%s/data.db", suite.T().TempDir()), "")
	suite.NoError(err)
	suite.NoError(suite.dataClient.Init())
	suite.recommender = NewRecommender(config.GetDefaultConfig(), suite.dataClient, nil)

	ctx := context.Background()
	suite.NoError(suite.dataClient.BatchInsertServices(ctx, []data.Service{{ServiceId: "s", Name: "Plumbing"}}))
	suite.NoError(suite.dataClient.BatchInsertUsers(ctx, []data.User{
		{UserId: "located", Latitude: lo.ToPtr(origin.Latitude), Longitude: lo.ToPtr(origin.Longitude)},
		{UserId: "unlocated"},
	}))
	workers := []data.Worker{
		{WorkerId: "w0", Name: "Arjun", IsAvailable: true, AverageRating: 4},
		{WorkerId: "w1", Name: "Kiara", IsAvailable: true, AverageRating: 4},
		{WorkerId: "w2", Name: "Meera", IsAvailable: false, AverageRating: 4},
	}
	for i := range workers {
		c := north(float64(i*2 + 1))
		workers[i].Latitude, workers[i].Longitude = lo.ToPtr(c.Latitude), lo.ToPtr(c.Longitude)
	}
	suite.NoError(suite.dataClient.BatchInsertWorkers(ctx, workers))
	suite.NoError(suite.dataClient.BatchInsertWorkerServices(ctx, lo.Map(workers, func(w data.Worker, _ int) data.WorkerService {
		return data.WorkerService{WorkerId: w.WorkerId, ServiceId: "s", Charge: lo.ToPtr(400.0)}
	})))
}

func (suite *RecommenderTestSuite) TearDownTest() {
	suite.NoError(suite.dataClient.Close())
}

func (suite *RecommenderTestSuite) TestRecommend() {
	results, err := suite.recommender.Recommend(context.Background(), "located", 10)
	suite.NoError(err)
	suite.Equal([]string{"w0", "w1"}, lo.Map(results, func(r RankedResult, _ int) string { return r.WorkerId }))
	suite.Equal("Plumbing", results[0].ServiceName)
	suite.InDelta(1, results[0].DistanceKm, 1e-6)

	// side-effect free
	again, err := suite.recommender.Recommend(context.Background(), "located", 10)
	suite.NoError(err)
	suite.Equal(results, again)
}

func (suite *RecommenderTestSuite) TestRecommendErrors() {
	_, err := suite.recommender.Recommend(context.Background(), "unlocated", 10)
	suite.True(errors.Is(err, ErrMissingLocation))
	_, err = suite.recommender.Recommend(context.Background(), "unknown", 10)
	suite.True(errors.Is(err, errors.NotFound))
}

func TestRecommender(t *testing.T) {
	suite.Run(t, new(RecommenderTestSuite))
}
