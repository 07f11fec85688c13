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

package feature

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/gorse-io/nearby/common/geo"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestDistanceBucket(t *testing.T) {
	assert.Equal(t, 0, DistanceBucket(0))
	assert.Equal(t, 0, DistanceBucket(1))
	assert.Equal(t, 1, DistanceBucket(1.0001))
	assert.Equal(t, 1, DistanceBucket(3))
	assert.Equal(t, 2, DistanceBucket(10))
	assert.Equal(t, 3, DistanceBucket(10.5))
	assert.Equal(t, 3, DistanceBucket(100))
	assert.Equal(t, 3, DistanceBucket(4000))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []float64{0, 0.5, 1}, Normalize([]float64{1, 2, 3}))
	assert.Equal(t, []float64{0.5, 0.5}, Normalize([]float64{7, 7}))
	assert.Empty(t, Normalize(nil))
	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
	assert.Equal(t, 3.0, median([]float64{5, 1, 3}))
	assert.Zero(t, median(nil))
}

func TestTableSelect(t *testing.T) {
	table := &Table{
		Columns: []string{"a", "b", "c"},
		Records: []Record{{Values: []float32{1, 2, 3}}, {Values: []float32{4, 5, 6}}},
	}
	rows, err := table.Select([]string{"c", "a"})
	assert.NoError(t, err)
	assert.Equal(t, [][]float32{{3, 1}, {6, 4}}, rows)
	column, err := table.Column("b")
	assert.NoError(t, err)
	assert.Equal(t, []float32{2, 5}, column)
	_, err = table.Select([]string{"a", "d"})
	assert.True(t, errors.Is(err, ErrFeatureSchemaMismatch))
}

func newTestBuilder() *Builder {
	return NewBuilder(config.GetDefaultConfig().Feature, 2)
}

func candidate(workerId string, lat, lon float64, serviceId string, charge *float64, rating float64, bookings int) data.CandidateWorker {
	return data.CandidateWorker{
		WorkerId:      workerId,
		Name:          workerId,
		Coordinate:    &geo.Coordinate{Latitude: lat, Longitude: lon},
		IsAvailable:   true,
		Services:      []data.CandidateService{{ServiceId: serviceId, ServiceName: serviceId, Charge: charge}},
		WorkerStats:   data.WorkerStats{AverageRating: rating, TotalBookings: bookings},
	}
}

func TestBuild(t *testing.T) {
	builder := newTestBuilder()
	user := &data.UserContext{
		UserId:     "u",
		Coordinate: &geo.Coordinate{Latitude: 12.97, Longitude: 77.59},
		BookingHistory: []data.BookingEvent{
			{WorkerId: "w1", ServiceId: "s1"},
			{WorkerId: "w1", ServiceId: "s1"},
		},
		AverageRating: 4.5,
	}
	candidates := []data.CandidateWorker{
		candidate("w1", 12.98, 77.60, "s1", lo.ToPtr(400.0), 4, 10),
		candidate("w2", 13.00, 77.65, "s2", nil, 5, 30),
		candidate("w3", 12.90, 77.50, "s3", lo.ToPtr(600.0), 3, 20),
	}
	candidates[0].Services = append(candidates[0].Services, data.CandidateService{ServiceId: "s2", Charge: lo.ToPtr(500.0)})
	table, err := builder.Build(context.Background(), user, candidates)
	assert.NoError(t, err)
	assert.Equal(t, Columns, table.Columns)
	assert.Equal(t, 4, table.Len())
	assert.Equal(t, []Group{{UserId: "u", Begin: 0, End: 4}}, table.Groups)

	// w1 s1
	record := table.Records[0]
	d, _ := geo.DistanceKm(12.97, 77.59, 12.98, 77.60)
	assert.InDelta(t, d, record.DistanceKm, 1e-9)
	assert.Equal(t, float32(12.98), record.Values[0])
	assert.Equal(t, float32(400), record.Values[2])
	assert.Equal(t, float32(2), record.Values[3])
	assert.InDelta(t, d*2, float64(record.Values[5]), 1e-5)
	assert.Equal(t, float32(DistanceBucket(d)), record.Values[6])
	assert.Equal(t, float32(1), record.Values[7])
	assert.Equal(t, float32(4), record.Values[8])
	assert.Equal(t, float32(10), record.Values[9])
	assert.Equal(t, float32(4.5), record.Values[10])
	assert.InDelta(t, math.Exp(-d/10), record.ProximityRank, 1e-9)
	assert.Equal(t, 1.0, record.RepeatAffinityRank)

	// w1 s2 has no past bookings on the service
	assert.Equal(t, float32(0), table.Records[1].Values[3])
	assert.Equal(t, float32(0), table.Records[1].Values[7])
	// missing charge falls back to the median of 400, 500, 600
	assert.Equal(t, 500.0, table.Records[2].Charge)
	assert.Equal(t, 0.0, table.Records[2].RepeatAffinityRank)
	// most popular and best rated
	assert.Equal(t, 1.0, table.Records[2].PopularityRank)
	assert.Equal(t, 1.0, table.Records[2].QualityRank)
	// most expensive
	assert.Equal(t, 0.0, table.Records[3].CostRank)
	assert.Equal(t, 1.0, table.Records[0].CostRank)
}

func TestBuildErrors(t *testing.T) {
	builder := newTestBuilder()
	ctx := context.Background()
	candidates := []data.CandidateWorker{candidate("w1", 12.98, 77.60, "s1", lo.ToPtr(400.0), 4, 10)}

	// user without location
	_, err := builder.Build(ctx, &data.UserContext{UserId: "u"}, candidates)
	assert.True(t, errors.Is(err, ErrMissingLocation))

	// user with invalid location
	_, err = builder.Build(ctx, &data.UserContext{UserId: "u", Coordinate: &geo.Coordinate{Latitude: 91}}, candidates)
	assert.True(t, errors.Is(err, geo.ErrInvalidCoordinate))

	// worker without location
	user := &data.UserContext{UserId: "u", Coordinate: &geo.Coordinate{Latitude: 12.97, Longitude: 77.59}}
	candidates[0].Coordinate = nil
	_, err = builder.Build(ctx, user, candidates)
	assert.True(t, errors.Is(err, ErrMissingLocation))

	// no candidates
	table, err := builder.Build(ctx, user, nil)
	assert.NoError(t, err)
	assert.Zero(t, table.Len())
}

func TestBuildTrainingSet(t *testing.T) {
	builder := newTestBuilder()
	ctx := context.Background()
	workerA := &geo.Coordinate{Latitude: 12.98, Longitude: 77.60}
	workerB := &geo.Coordinate{Latitude: 12.90, Longitude: 77.50}
	statsA := data.WorkerStats{AverageRating: 4, TotalBookings: 5}
	statsB := data.WorkerStats{AverageRating: 3.5, TotalBookings: 2}
	records := []data.TrainingRecord{
		{UserId: "u1", WorkerId: "a", ServiceId: "s1", WorkerCoordinate: workerA, Charge: lo.ToPtr(100.0), NumBookings: 2, TotalRating: 8, WorkerStats: statsA, UserAverageRating: 4},
		{UserId: "u1", WorkerId: "b", ServiceId: "s2", WorkerCoordinate: workerB, NumBookings: 1, TotalRating: 4, WorkerStats: statsB, UserAverageRating: 4},
		{UserId: "u0", WorkerId: "a", ServiceId: "s1", WorkerCoordinate: workerA, Charge: lo.ToPtr(300.0), NumBookings: 3, TotalRating: 12, WorkerStats: statsA, UserAverageRating: 4},
		{UserId: "u2", WorkerId: "b", ServiceId: "s2", WorkerCoordinate: workerB, Charge: lo.ToPtr(200.0), NumBookings: 1, WorkerStats: statsB},
	}
	users := map[string]data.User{
		"u0": {UserId: "u0", Latitude: lo.ToPtr(12.97), Longitude: lo.ToPtr(77.59)},
		"u1": {UserId: "u1", Latitude: lo.ToPtr(12.95), Longitude: lo.ToPtr(77.55)},
		"u2": {UserId: "u2"},
	}

	// fail fast on users without location
	_, err := builder.BuildTrainingSet(ctx, records, users, false)
	assert.True(t, errors.Is(err, ErrMissingLocation))

	table, err := builder.BuildTrainingSet(ctx, records, users, true)
	assert.NoError(t, err)
	assert.Equal(t, []Group{{UserId: "u1", Begin: 0, End: 2}, {UserId: "u0", Begin: 2, End: 3}}, table.Groups)
	// worker and user aggregates come from the store
	assert.Equal(t, float32(4), table.Records[0].Values[8])
	assert.Equal(t, float32(5), table.Records[0].Values[9])
	assert.Equal(t, float32(3.5), table.Records[1].Values[8])
	assert.Equal(t, float32(2), table.Records[1].Values[9])
	assert.Equal(t, float32(4), table.Records[0].Values[10])
	assert.Equal(t, float32(4), table.Records[2].Values[10])
	// missing charge is the median of the snapshot
	assert.Equal(t, 200.0, table.Records[1].Charge)
	assert.Equal(t, float32(200), table.Records[1].Values[2])
	// services of the user
	assert.Equal(t, float32(1), table.Records[1].Values[7])
}

func TestBuildSameFeatures(t *testing.T) {
	builder := newTestBuilder()
	ctx := context.Background()
	location := &geo.Coordinate{Latitude: 12.97, Longitude: 77.59}
	stats := data.WorkerStats{AverageRating: 5, TotalBookings: 3}
	// three completed bookings rated 5
	user := &data.UserContext{
		UserId:     "u",
		Coordinate: location,
		BookingHistory: []data.BookingEvent{
			{WorkerId: "w", ServiceId: "s"},
			{WorkerId: "w", ServiceId: "s"},
			{WorkerId: "w", ServiceId: "s"},
		},
		AverageRating: 5,
	}
	served, err := builder.Build(ctx, user, []data.CandidateWorker{{
		WorkerStats: stats,
		WorkerId:    "w",
		Coordinate:  &geo.Coordinate{Latitude: 12.98, Longitude: 77.60},
		IsAvailable: true,
		Services:    []data.CandidateService{{ServiceId: "s", Charge: lo.ToPtr(300.0)}},
	}})
	assert.NoError(t, err)
	trained, err := builder.BuildTrainingSet(ctx, []data.TrainingRecord{{
		UserId:            "u",
		WorkerId:          "w",
		ServiceId:         "s",
		WorkerCoordinate:  &geo.Coordinate{Latitude: 12.98, Longitude: 77.60},
		Charge:            lo.ToPtr(300.0),
		NumBookings:       3,
		TotalRating:       15,
		WorkerStats:       stats,
		UserAverageRating: 5,
	}}, map[string]data.User{"u": {UserId: "u", Latitude: &location.Latitude, Longitude: &location.Longitude}}, false)
	assert.NoError(t, err)
	assert.Equal(t, 1, served.Len())
	assert.Equal(t, 1, trained.Len())
	for i, column := range Columns {
		assert.Equal(t, trained.Records[0].Values[i], served.Records[0].Values[i], column)
	}
	assert.Equal(t, float32(5), served.Records[0].Values[8])
	assert.Equal(t, float32(5), served.Records[0].Values[10])
}

func TestBuildSameFeaturesFromStore(t *testing.T) {
	ctx := context.Background()
	database, err := data.Open(fmt.Sprintf("sqlite://%s/data.db", t.TempDir()), "")
	assert.NoError(t, err)
	assert.NoError(t, database.Init())
	defer func() { assert.NoError(t, database.Close()) }()
	opts := data.DefaultGenerateOptions()
	opts.NumUsers, opts.NumWorkers, opts.NumBookings = 10, 8, 120
	assert.NoError(t, data.Generate(opts).Insert(ctx, database, 50, nil))

	users, err := database.GetUsers(ctx)
	assert.NoError(t, err)
	records, err := data.ReadTrainingRecords(ctx, database, 100)
	assert.NoError(t, err)
	builder := newTestBuilder()
	trained, err := builder.BuildTrainingSet(ctx, records, lo.SliceToMap(users, func(user data.User) (string, data.User) {
		return user.UserId, user
	}), true)
	assert.NoError(t, err)
	assert.NotEmpty(t, trained.Groups)

	candidates, err := database.ListCandidates(ctx)
	assert.NoError(t, err)
	candidates = lo.Filter(candidates, func(c data.CandidateWorker, _ int) bool { return c.Coordinate != nil })
	compared := 0
	for _, group := range trained.Groups {
		user, err := database.GetUserContext(ctx, group.UserId)
		assert.NoError(t, err)
		served, err := builder.Build(ctx, user, candidates)
		assert.NoError(t, err)
		index := make(map[lo.Tuple2[string, string]]Record)
		for _, record := range served.Records {
			index[lo.T2(record.WorkerId, record.ServiceId)] = record
		}
		for _, expected := range trained.Records[group.Begin:group.End] {
			actual, ok := index[lo.T2(expected.WorkerId, expected.ServiceId)]
			if !assert.True(t, ok) {
				continue
			}
			for i, column := range Columns {
				// missing charges are filled per batch
				if column == Charge && actual.Charge != expected.Charge {
					continue
				}
				assert.Equal(t, expected.Values[i], actual.Values[i], column)
			}
			compared++
		}
	}
	assert.Positive(t, compared)
}
