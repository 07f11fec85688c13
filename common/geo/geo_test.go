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

package geo

import (
	"math"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	// Bangalore to Mysore is about 128 km
	d, err := DistanceKm(12.9716, 77.5946, 12.2958, 76.6394)
	assert.NoError(t, err)
	assert.InDelta(t, 128.0, d, 2.0)
	// one degree of latitude
	d, err = DistanceKm(0, 0, 1, 0)
	assert.NoError(t, err)
	assert.InDelta(t, 111.19, d, 0.01)
	// antipodal points
	d, err = DistanceKm(0, 0, 0, 180)
	assert.NoError(t, err)
	assert.InDelta(t, math.Pi*EarthRadiusKm, d, 1e-6)
}

func TestDistanceSymmetry(t *testing.T) {
	points := []Coordinate{
		{12.9716, 77.5946},
		{-33.8688, 151.2093},
		{51.5074, -0.1278},
		{90, 0},
		{-90, -180},
	}
	for _, a := range points {
		for _, b := range points {
			ab, err := Distance(a, b)
			assert.NoError(t, err)
			ba, err := Distance(b, a)
			assert.NoError(t, err)
			assert.InDelta(t, ab, ba, 1e-9)
			assert.GreaterOrEqual(t, ab, 0.0)
		}
		aa, err := Distance(a, a)
		assert.NoError(t, err)
		assert.InDelta(t, 0, aa, 1e-9)
	}
}

func TestInvalidCoordinate(t *testing.T) {
	_, err := DistanceKm(91, 0, 0, 0)
	assert.True(t, errors.Is(err, ErrInvalidCoordinate))
	_, err = DistanceKm(0, 0, 0, -181)
	assert.True(t, errors.Is(err, ErrInvalidCoordinate))
	_, err = DistanceKm(math.NaN(), 0, 0, 0)
	assert.True(t, errors.Is(err, ErrInvalidCoordinate))
	_, err = NewCoordinate(45, 200)
	assert.True(t, errors.Is(err, ErrInvalidCoordinate))
	c, err := NewCoordinate(-90, 180)
	assert.NoError(t, err)
	assert.Equal(t, Coordinate{Latitude: -90, Longitude: 180}, c)
}

func TestDistanceVector(t *testing.T) {
	distances, err := DistanceVector(
		[]float64{0, 10, 20},
		[]float64{0, 10, 20},
		[]float64{0, 10, 21},
		[]float64{1, 10, 20})
	assert.NoError(t, err)
	if assert.Len(t, distances, 3) {
		assert.InDelta(t, 111.19, distances[0], 0.01)
		assert.InDelta(t, 0, distances[1], 1e-9)
		assert.InDelta(t, 111.19, distances[2], 0.01)
	}
	_, err = DistanceVector([]float64{0}, []float64{0, 1}, []float64{0}, []float64{0})
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = DistanceVector([]float64{0, 100}, []float64{0, 0}, []float64{0, 0}, []float64{0, 0})
	assert.True(t, errors.Is(err, ErrInvalidCoordinate))
}
