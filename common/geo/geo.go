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

	"github.com/juju/errors"
)

// EarthRadiusKm is the mean radius of the earth used by the haversine formula.
const EarthRadiusKm = 6371.0

const ErrInvalidCoordinate = errors.ConstError("invalid coordinate")

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func NewCoordinate(latitude, longitude float64) (Coordinate, error) {
	c := Coordinate{Latitude: latitude, Longitude: longitude}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// Validate checks latitude in [-90, 90] and longitude in [-180, 180].
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return errors.Annotatef(ErrInvalidCoordinate, "latitude %v", c.Latitude)
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return errors.Annotatef(ErrInvalidCoordinate, "longitude %v", c.Longitude)
	}
	return nil
}

// Distance returns the great-circle distance between two points in kilometers.
func Distance(a, b Coordinate) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	return haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude), nil
}

func DistanceKm(lat1, lon1, lat2, lon2 float64) (float64, error) {
	return Distance(Coordinate{Latitude: lat1, Longitude: lon1}, Coordinate{Latitude: lat2, Longitude: lon2})
}

// DistanceVector computes distances element-wise. All slices must have the same length.
func DistanceVector(lat1, lon1, lat2, lon2 []float64) ([]float64, error) {
	n := len(lat1)
	if len(lon1) != n || len(lat2) != n || len(lon2) != n {
		return nil, errors.NotValidf("coordinate vectors of lengths %d, %d, %d, %d",
			len(lat1), len(lon1), len(lat2), len(lon2))
	}
	distances := make([]float64, n)
	for i := 0; i < n; i++ {
		d, err := DistanceKm(lat1[i], lon1[i], lat2[i], lon2[i])
		if err != nil {
			return nil, errors.Annotatef(err, "index %d", i)
		}
		distances[i] = d
	}
	return distances, nil
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	// rounding may push a slightly above 1 for antipodal points
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}
