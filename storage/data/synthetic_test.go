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

package data

import (
	"testing"

	"github.com/gorse-io/nearby/common/geo"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestGenerate(t *testing.T) {
	opts := DefaultGenerateOptions()
	opts.NumUsers = 30
	opts.NumWorkers = 10
	opts.NumBookings = 200
	opts.UnlocatedFraction = 0.2
	snapshot := Generate(opts)
	assert.Len(t, snapshot.Users, 30)
	assert.Len(t, snapshot.Workers, 10)
	assert.Len(t, snapshot.Services, len(ServiceNames))
	assert.Len(t, snapshot.Bookings, 200)
	assert.Equal(t, snapshot, Generate(opts))

	// coordinates stay inside the box
	var coordinates []*geo.Coordinate
	for _, worker := range snapshot.Workers {
		coordinates = append(coordinates, worker.Coordinate())
	}
	for _, user := range snapshot.Users {
		coordinates = append(coordinates, user.Coordinate())
	}
	coordinates = lo.Compact(coordinates)
	for _, coordinate := range coordinates {
		assert.GreaterOrEqual(t, coordinate.Latitude, opts.Area.MinLatitude)
		assert.LessOrEqual(t, coordinate.Latitude, opts.Area.MaxLatitude)
		assert.GreaterOrEqual(t, coordinate.Longitude, opts.Area.MinLongitude)
		assert.LessOrEqual(t, coordinate.Longitude, opts.Area.MaxLongitude)
	}
	unlocated := lo.CountBy(snapshot.Users, func(user User) bool { return user.Coordinate() == nil })
	assert.Positive(t, unlocated)
	assert.Less(t, unlocated, 30)

	// aggregates count completed bookings
	completed := lo.CountBy(snapshot.Bookings, func(booking Booking) bool { return booking.Status == BookingStatusCompleted })
	assert.Equal(t, completed, lo.SumBy(snapshot.UserWorkerData, func(row UserWorkerData) int { return row.NumBookings }))
	assert.Equal(t, len(snapshot.Services)+30+10+len(snapshot.WorkerServices)+200+len(snapshot.UserWorkerData), snapshot.NumRows())
}

func TestAggregate(t *testing.T) {
	snapshot := &Snapshot{
		Workers:        []Worker{{WorkerId: "w0"}, {WorkerId: "w1"}},
		WorkerServices: []WorkerService{{WorkerId: "w0", ServiceId: "s0", Charge: lo.ToPtr(300.0)}},
		Bookings: []Booking{
			{BookingId: "b0", UserId: "u0", WorkerId: "w0", ServiceId: "s0", Status: BookingStatusCompleted, Rating: lo.ToPtr(4.0)},
			{BookingId: "b1", UserId: "u0", WorkerId: "w0", ServiceId: "s0", Status: BookingStatusCompleted, Rating: lo.ToPtr(5.0)},
			{BookingId: "b2", UserId: "u0", WorkerId: "w1", ServiceId: "s0", Status: BookingStatusCancelled, Rating: lo.ToPtr(1.0)},
			{BookingId: "b3", UserId: "u1", WorkerId: "w1", ServiceId: "s0", Status: BookingStatusBooked},
		},
	}
	snapshot.Aggregate()
	assert.Equal(t, []UserWorkerData{
		{UserId: "u0", WorkerId: "w0", ServiceId: "s0", Charge: lo.ToPtr(300.0), NumBookings: 2, TotalRating: 9},
	}, snapshot.UserWorkerData)
	assert.Equal(t, 4.5, snapshot.Workers[0].AverageRating)
	assert.Zero(t, snapshot.Workers[1].AverageRating)
}
