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
	"sort"

	"github.com/gorse-io/nearby/common/util"
	"github.com/gorse-io/nearby/feature"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

const ErrInsufficientData = errors.ConstError("insufficient data")

// Dataset is a labeled feature table. Rows of a group are contiguous.
type Dataset struct {
	Columns     []string
	Categorical []string
	Records     []feature.Record
	Features    [][]float32
	Labels      []int
	Continuous  []float64
	Groups      []feature.Group
}

func (d *Dataset) Count() int {
	return len(d.Labels)
}

func (d *Dataset) CountGroups() int {
	return len(d.Groups)
}

// GroupLabels returns labels of the i-th group.
func (d *Dataset) GroupLabels(i int) []int {
	return d.Labels[d.Groups[i].Begin:d.Groups[i].End]
}

// Users returns the distinct users in order of first appearance.
func (d *Dataset) Users() []string {
	return lo.Uniq(lo.Map(d.Groups, func(g feature.Group, _ int) string { return g.UserId }))
}

// Constant reports whether every label is the same.
func (d *Dataset) Constant() bool {
	for _, label := range d.Labels {
		if label != d.Labels[0] {
			return false
		}
	}
	return true
}

// Subset copies the given groups into a new dataset, in the given order.
func (d *Dataset) Subset(groups []int) *Dataset {
	subset := &Dataset{
		Columns:     d.Columns,
		Categorical: d.Categorical,
	}
	for _, i := range groups {
		group := d.Groups[i]
		begin := len(subset.Labels)
		subset.Features = append(subset.Features, d.Features[group.Begin:group.End]...)
		subset.Labels = append(subset.Labels, d.Labels[group.Begin:group.End]...)
		if len(d.Continuous) > 0 {
			subset.Continuous = append(subset.Continuous, d.Continuous[group.Begin:group.End]...)
		}
		if len(d.Records) > 0 {
			subset.Records = append(subset.Records, d.Records[group.Begin:group.End]...)
		}
		subset.Groups = append(subset.Groups, feature.Group{UserId: group.UserId, Begin: begin, End: len(subset.Labels)})
	}
	return subset
}

// Split the dataset by users. A seeded shuffle of users puts round(fraction*users)
// of them into the validation set, at least one user on each side, so no user
// appears in both sets. Groups keep their relative order.
func (d *Dataset) Split(fraction float64, seed int64) (*Dataset, *Dataset, error) {
	users := d.Users()
	if len(users) < 2 {
		return nil, nil, errors.Annotatef(ErrInsufficientData, "%d users in dataset, at least 2 required", len(users))
	}
	numValid := lo.Clamp(int(math.Round(fraction*float64(len(users)))), 1, len(users)-1)
	rng := util.NewRandomGenerator(seed)
	rng.Shuffle(len(users), func(i, j int) { users[i], users[j] = users[j], users[i] })
	validUsers := make(map[string]struct{}, numValid)
	for _, user := range users[:numValid] {
		validUsers[user] = struct{}{}
	}
	var trainGroups, validGroups []int
	for i, group := range d.Groups {
		if _, ok := validUsers[group.UserId]; ok {
			validGroups = append(validGroups, i)
		} else {
			trainGroups = append(trainGroups, i)
		}
	}
	sort.Ints(trainGroups)
	sort.Ints(validGroups)
	return d.Subset(trainGroups), d.Subset(validGroups), nil
}
