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

package dataset

import (
	"math"

	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/common/util"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/feature"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const MaxRelevance = 5

// Labeler assigns synthetic graded relevance to training records.
//
//	relevance = clip(proximity(d) + service + budget + experience + N(0, σ), 0, 5)
type Labeler struct {
	config.LabelerConfig
}

func NewLabeler(cfg config.LabelerConfig) *Labeler {
	return &Labeler{LabelerConfig: cfg}
}

// Proximity is the distance decay of relevance.
func (l *Labeler) Proximity(distanceKm float64) float64 {
	if l.Curve == config.CurveExponential {
		return l.Intercept * math.Exp(-distanceKm/l.Divisor)
	}
	return math.Max(0, l.Intercept-distanceKm/l.Divisor)
}

// Score is the noiseless relevance of a record for a user.
func (l *Labeler) Score(record *feature.Record, user *data.User) float64 {
	score := l.Proximity(record.DistanceKm)
	if user != nil {
		if user.PreferredService != "" && user.PreferredService == record.ServiceId {
			score += l.ServiceBonus
		}
		if user.Budget != nil {
			score += math.Max(0, l.BudgetMax-math.Abs(*user.Budget-record.Charge)/l.BudgetDivisor)
		}
	}
	score += math.Min(record.ExperienceYears/l.ExperienceDivisor, l.ExperienceCap)
	return score
}

// Label a feature table. Noise is drawn in row order from a generator seeded with
// RandomState, so the same table always gets the same labels.
func (l *Labeler) Label(table *feature.Table, users map[string]data.User) (*Dataset, error) {
	features, err := table.Select(feature.Columns)
	if err != nil {
		return nil, err
	}
	rng := util.NewRandomGenerator(l.RandomState)
	d := &Dataset{
		Columns:     feature.Columns,
		Categorical: feature.Categorical,
		Records:     table.Records,
		Features:    features,
		Labels:      make([]int, table.Len()),
		Continuous:  make([]float64, table.Len()),
		Groups:      table.Groups,
	}
	for i := range table.Records {
		var user *data.User
		if u, ok := users[table.Records[i].UserId]; ok {
			user = &u
		}
		relevance := l.Score(&table.Records[i], user) + rng.NormFloat64()*l.NoiseStdDev
		d.Continuous[i] = lo.Clamp(relevance, 0, MaxRelevance)
		d.Labels[i] = int(math.Round(d.Continuous[i]))
	}
	if d.Count() > 0 && d.Constant() {
		n := l.jitter(d, rng)
		log.Logger().Warn("labels are constant, jitter injected",
			zap.Int("label", d.Labels[0]), zap.Int("jittered", n), zap.Int("rows", d.Count()))
	}
	return d, nil
}

// jitter moves max(1, JitterFraction*n) rows one grade toward the middle. Rows are
// taken round-robin across groups from a seeded permutation of each group.
func (l *Labeler) jitter(d *Dataset, rng util.RandomGenerator) int {
	perms := make([][]int, len(d.Groups))
	grouped := 0
	for i, group := range d.Groups {
		perms[i] = rng.Perm(group.Len())
		grouped += group.Len()
	}
	n := min(max(1, int(l.JitterFraction*float64(d.Count()))), grouped)
	picked := 0
	for round := 0; picked < n; round++ {
		for i, group := range d.Groups {
			if picked >= n {
				break
			}
			if round >= len(perms[i]) {
				continue
			}
			row := group.Begin + perms[i][round]
			switch d.Labels[row] {
			case MaxRelevance:
				d.Labels[row] = MaxRelevance - 1
			default:
				d.Labels[row]++
			}
			picked++
		}
	}
	return picked
}
