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
	"math"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/nearby/common/geo"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/common/parallel"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Builder turns raw marketplace records into feature tables. The same transforms
// are applied to training snapshots and to serving batches.
type Builder struct {
	ProximityScale float64
	Jobs           int
}

func NewBuilder(cfg config.FeatureConfig, jobs int) *Builder {
	return &Builder{
		ProximityScale: cfg.ProximityScale,
		Jobs:           jobs,
	}
}

// pair is a raw (worker, service) candidate before transformation. Worker stats
// are taken from the store as is in both modes.
type pair struct {
	workerId        string
	workerName      string
	serviceId       string
	serviceName     string
	coordinate      *geo.Coordinate
	charge          *float64
	experienceYears float64
	numBookings     float64
	stats           data.WorkerStats
}

// Build computes features of candidates for a user at serving time. Candidates
// without any service produce no record.
func (b *Builder) Build(ctx context.Context, user *data.UserContext, candidates []data.CandidateWorker) (*Table, error) {
	if user.Coordinate == nil {
		return nil, errors.Annotatef(ErrMissingLocation, "user %s", user.UserId)
	}
	if err := user.Coordinate.Validate(); err != nil {
		return nil, errors.Annotatef(err, "user %s", user.UserId)
	}

	// history of the user
	pastServices := mapset.NewThreadUnsafeSet[string]()
	pastBookings := make(map[lo.Tuple2[string, string]]int)
	pastWorkers := make(map[string]int)
	for _, event := range user.BookingHistory {
		pastServices.Add(event.ServiceId)
		pastBookings[lo.T2(event.WorkerId, event.ServiceId)]++
		pastWorkers[event.WorkerId]++
	}

	var pairs []pair
	for _, candidate := range candidates {
		for _, service := range candidate.Services {
			pairs = append(pairs, pair{
				workerId:        candidate.WorkerId,
				workerName:      candidate.Name,
				serviceId:       service.ServiceId,
				serviceName:     service.ServiceName,
				coordinate:      candidate.Coordinate,
				charge:          service.Charge,
				experienceYears: candidate.ExperienceYears,
				numBookings:     float64(pastBookings[lo.T2(candidate.WorkerId, service.ServiceId)]),
				stats:           candidate.WorkerStats,
			})
		}
	}
	table := &Table{Columns: Columns}
	if len(pairs) == 0 {
		return table, nil
	}
	fill := median(presentCharges(lo.Map(pairs, func(p pair, _ int) *float64 { return p.charge })))
	records, err := b.transform(ctx, user.UserId, *user.Coordinate, pairs, pastServices, user.AverageRating, fill)
	if err != nil {
		return nil, errors.Trace(err)
	}
	table.Records = records
	table.Groups = []Group{{UserId: user.UserId, Begin: 0, End: len(records)}}

	// per batch ranks
	proximity := make([]float64, len(records))
	charges := make([]float64, len(records))
	popularity := make([]float64, len(records))
	quality := make([]float64, len(records))
	repeats := make([]float64, len(records))
	for i := range records {
		proximity[i] = math.Exp(-records[i].DistanceKm / b.ProximityScale)
		charges[i] = records[i].Charge
		popularity[i] = float64(pairs[i].stats.TotalBookings)
		quality[i] = pairs[i].stats.AverageRating
		repeats[i] = float64(pastWorkers[records[i].WorkerId])
	}
	costs, popularity, quality, repeats := Normalize(charges), Normalize(popularity), Normalize(quality), Normalize(repeats)
	for i := range records {
		records[i].ProximityRank = proximity[i]
		records[i].CostRank = 1 - costs[i]
		records[i].PopularityRank = popularity[i]
		records[i].QualityRank = quality[i]
		records[i].RepeatAffinityRank = repeats[i]
	}
	return table, nil
}

// BuildTrainingSet computes features of a training snapshot. Records of a user are
// gathered into one group, groups ordered by first appearance. Users or workers
// without a location fail the build unless skipUnlocated is set.
func (b *Builder) BuildTrainingSet(ctx context.Context, records []data.TrainingRecord, users map[string]data.User, skipUnlocated bool) (*Table, error) {
	// group by user
	var (
		order         []string
		grouped       = make(map[string][]data.TrainingRecord)
		skippedUsers  int
		skippedWorker int
	)
	for _, record := range records {
		user, exist := users[record.UserId]
		if !exist || user.Coordinate() == nil {
			if !skipUnlocated {
				return nil, errors.Annotatef(ErrMissingLocation, "user %s", record.UserId)
			}
			if _, seen := grouped[record.UserId]; !seen {
				grouped[record.UserId] = nil
				skippedUsers++
			}
			continue
		}
		if record.WorkerCoordinate == nil {
			if !skipUnlocated {
				return nil, errors.Annotatef(ErrMissingLocation, "worker %s", record.WorkerId)
			}
			skippedWorker++
			continue
		}
		if _, seen := grouped[record.UserId]; !seen {
			order = append(order, record.UserId)
		}
		grouped[record.UserId] = append(grouped[record.UserId], record)
	}
	if skippedUsers > 0 || skippedWorker > 0 {
		log.Logger().Warn("skip records without location",
			zap.Int("skipped_users", skippedUsers),
			zap.Int("skipped_worker_rows", skippedWorker))
	}

	var charges []*float64
	for _, userId := range order {
		for _, record := range grouped[userId] {
			charges = append(charges, record.Charge)
		}
	}
	fill := median(presentCharges(charges))

	table := &Table{Columns: Columns}
	for _, userId := range order {
		rows := grouped[userId]
		userServices := mapset.NewThreadUnsafeSet[string]()
		pairs := make([]pair, len(rows))
		for i, record := range rows {
			userServices.Add(record.ServiceId)
			pairs[i] = pair{
				workerId:        record.WorkerId,
				workerName:      record.WorkerName,
				serviceId:       record.ServiceId,
				serviceName:     record.ServiceName,
				coordinate:      record.WorkerCoordinate,
				charge:          record.Charge,
				experienceYears: record.ExperienceYears,
				numBookings:     float64(record.NumBookings),
				stats:           record.WorkerStats,
			}
		}
		userRecords, err := b.transform(ctx, userId, *users[userId].Coordinate(), pairs, userServices, rows[0].UserAverageRating, fill)
		if err != nil {
			return nil, errors.Trace(err)
		}
		begin := len(table.Records)
		table.Records = append(table.Records, userRecords...)
		table.Groups = append(table.Groups, Group{UserId: userId, Begin: begin, End: len(table.Records)})
	}
	return table, nil
}

// transform computes the feature vector of every pair. Missing charges are replaced by fill.
func (b *Builder) transform(ctx context.Context, userId string, location geo.Coordinate, pairs []pair,
	userServices mapset.Set[string], userAvgRating, fill float64) ([]Record, error) {
	records := make([]Record, len(pairs))
	err := parallel.Parallel(ctx, len(pairs), b.Jobs, func(_, i int) error {
		p := pairs[i]
		if p.coordinate == nil {
			return errors.Annotatef(ErrMissingLocation, "worker %s", p.workerId)
		}
		distance, err := geo.Distance(location, *p.coordinate)
		if err != nil {
			return errors.Annotatef(err, "worker %s", p.workerId)
		}
		charge := fill
		if p.charge != nil {
			charge = *p.charge
		}
		serviceMatch := float32(0)
		if userServices.Contains(p.serviceId) {
			serviceMatch = 1
		}
		records[i] = Record{
			UserId:          userId,
			WorkerId:        p.workerId,
			WorkerName:      p.workerName,
			ServiceId:       p.serviceId,
			ServiceName:     p.serviceName,
			DistanceKm:      distance,
			Charge:          charge,
			ExperienceYears: p.experienceYears,
			ServiceMatch:    float64(serviceMatch),
			Values: []float32{
				float32(p.coordinate.Latitude),
				float32(p.coordinate.Longitude),
				float32(charge),
				float32(p.numBookings),
				float32(distance),
				float32(distance * 2),
				float32(DistanceBucket(distance)),
				serviceMatch,
				float32(p.stats.AverageRating),
				float32(p.stats.TotalBookings),
				float32(userAvgRating),
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func presentCharges(charges []*float64) []float64 {
	var present []float64
	for _, charge := range charges {
		if charge != nil {
			present = append(present, *charge)
		}
	}
	return present
}
