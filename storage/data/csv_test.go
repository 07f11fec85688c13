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
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/gorse-io/nearby/common/geo"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestReadBookings(t *testing.T) {
	bookings, err := ReadBookings(strings.NewReader(
		"booking_id,user_id,worker_id,service_id,status,rating,timestamp\n" +
			"b0,u0,w0,s0,completed,4.5,2025-01-02 03:04:05\n" +
			"b1,u0,w1,s0,booked,,1/2/2025\n" +
			"b2,u1,w1,s1,cancelled,,\n"))
	assert.NoError(t, err)
	assert.Len(t, bookings, 3)
	assert.Equal(t, Booking{
		BookingId: "b0",
		UserId:    "u0",
		WorkerId:  "w0",
		ServiceId: "s0",
		Status:    BookingStatusCompleted,
		Rating:    lo.ToPtr(4.5),
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}, bookings[0])
	assert.Nil(t, bookings[1].Rating)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), bookings[1].Timestamp)
	assert.True(t, bookings[2].Timestamp.IsZero())

	// wrong header
	_, err = ReadBookings(strings.NewReader("id,user_id,worker_id,service_id,status,rating,timestamp\n"))
	assert.True(t, errors.Is(err, errors.NotValid))
	// unknown status
	_, err = ReadBookings(strings.NewReader(
		"booking_id,user_id,worker_id,service_id,status,rating,timestamp\n" +
			"b0,u0,w0,s0,lost,,\n"))
	assert.True(t, errors.Is(err, errors.NotValid))
	// bad rating
	_, err = ReadBookings(strings.NewReader(
		"booking_id,user_id,worker_id,service_id,status,rating,timestamp\n" +
			"b0,u0,w0,s0,completed,five,\n"))
	assert.Error(t, err)
	// missing field
	_, err = ReadBookings(strings.NewReader(
		"booking_id,user_id,worker_id,service_id,status,rating,timestamp\n" +
			"b0,u0,w0,s0,completed\n"))
	assert.Error(t, err)
}

func TestWriteTrainingRecords(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, WriteTrainingRecords(&buf, []TrainingRecord{
		{
			UserId:           "u0",
			WorkerId:         "w0",
			ServiceId:        "s0",
			ServiceName:      "Plumbing",
			WorkerName:       "Arjun",
			WorkerCoordinate: &geo.Coordinate{Latitude: 12.9, Longitude: 77.6},
			Charge:           lo.ToPtr(450.0),
			NumBookings:      2,
			TotalRating:      9,
			ExperienceYears:  3.5,
		},
		{UserId: "u1", WorkerId: "w1", ServiceId: "s1", ServiceName: "Painting, Interior", WorkerName: "Meera"},
	}))
	assert.Equal(t, "user_id,worker_id,service_id,service_name,worker_name,worker_lat,worker_lon,charge,num_bookings,total_rating,experience_years\n"+
		"u0,w0,s0,Plumbing,Arjun,12.9,77.6,450,2,9,3.5\n"+
		"u1,w1,s1,\"Painting, Interior\",Meera,,,,0,0,0\n", buf.String())
}
