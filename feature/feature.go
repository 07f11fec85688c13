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
	"sort"

	"github.com/juju/errors"
	"github.com/samber/lo"
)

const (
	ErrMissingLocation       = errors.ConstError("missing location")
	ErrFeatureSchemaMismatch = errors.ConstError("feature schema mismatch")
)

const (
	WorkerLat           = "worker_lat"
	WorkerLon           = "worker_lon"
	Charge              = "charge"
	NumBookings         = "num_bookings"
	DistanceKm          = "distance_km"
	DistanceKmScaled    = "distance_km_scaled"
	DistanceBucketName  = "distance_bucket"
	ServiceMatch        = "service_match"
	WorkerAvgRating     = "worker_avg_rating"
	WorkerTotalBookings = "worker_total_bookings"
	UserAvgRating       = "user_avg_rating"
)

// Columns is the order of values in every record.
var Columns = []string{
	WorkerLat,
	WorkerLon,
	Charge,
	NumBookings,
	DistanceKm,
	DistanceKmScaled,
	DistanceBucketName,
	ServiceMatch,
	WorkerAvgRating,
	WorkerTotalBookings,
	UserAvgRating,
}

// Categorical columns hold small integer codes.
var Categorical = []string{DistanceBucketName}

// DistanceBucketEdges are right-inclusive bucket boundaries in kilometers.
var DistanceBucketEdges = []float64{-1, 1, 3, 10, 100}

// DistanceBucket maps a distance to a bucket code in [0, 3]. Distances beyond the
// last edge fall into the last bucket.
func DistanceBucket(km float64) int {
	for i := 1; i < len(DistanceBucketEdges); i++ {
		if km <= DistanceBucketEdges[i] {
			return i - 1
		}
	}
	return len(DistanceBucketEdges) - 2
}

// Normalize scales values into [0, 1] by min-max. Constant input maps to 0.5.
func Normalize(values []float64) []float64 {
	normalized := make([]float64, len(values))
	if len(values) == 0 {
		return normalized
	}
	minimum, maximum := lo.Min(values), lo.Max(values)
	for i, v := range values {
		if maximum == minimum {
			normalized[i] = 0.5
		} else {
			normalized[i] = (v - minimum) / (maximum - minimum)
		}
	}
	return normalized
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Record is a (user, worker, service) candidate.
type Record struct {
	UserId          string
	WorkerId        string
	WorkerName      string
	ServiceId       string
	ServiceName     string
	DistanceKm      float64
	Charge          float64
	ExperienceYears float64
	Values          []float32

	ProximityRank      float64
	CostRank           float64
	PopularityRank     float64
	QualityRank        float64
	RepeatAffinityRank float64
	ServiceMatch       float64
}

// Group is a half-open range of records that belong to one user.
type Group struct {
	UserId string
	Begin  int
	End    int
}

func (g Group) Len() int {
	return g.End - g.Begin
}

// Table is a batch of records.
type Table struct {
	Columns []string
	Records []Record
	Groups  []Group
}

func (t *Table) Len() int {
	return len(t.Records)
}

// Select projects the values of every record onto the given columns.
func (t *Table) Select(columns []string) ([][]float32, error) {
	index := make(map[string]int, len(t.Columns))
	for i, column := range t.Columns {
		index[column] = i
	}
	positions := make([]int, len(columns))
	for i, column := range columns {
		pos, ok := index[column]
		if !ok {
			return nil, errors.Annotatef(ErrFeatureSchemaMismatch, "column %s is absent", column)
		}
		positions[i] = pos
	}
	rows := make([][]float32, len(t.Records))
	for i, record := range t.Records {
		if len(record.Values) != len(t.Columns) {
			return nil, errors.Annotatef(ErrFeatureSchemaMismatch, "record %d has %d values but %d columns", i, len(record.Values), len(t.Columns))
		}
		row := make([]float32, len(columns))
		for j, pos := range positions {
			row[j] = record.Values[pos]
		}
		rows[i] = row
	}
	return rows, nil
}

// Column returns the values of a column.
func (t *Table) Column(name string) ([]float32, error) {
	rows, err := t.Select([]string{name})
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(row []float32, _ int) float32 { return row[0] }), nil
}
