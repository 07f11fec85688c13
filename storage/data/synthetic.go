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
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jaswdr/faker"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

var ServiceNames = []string{
	"Plumbing",
	"Electrical",
	"Cleaning",
	"Carpentry",
	"Painting",
	"Gardening",
	"Appliance Repair",
	"AC Repair",
}

// BoundingBox is a rectangle on the map.
type BoundingBox struct {
	MinLatitude  float64
	MaxLatitude  float64
	MinLongitude float64
	MaxLongitude float64
}

// Bangalore is the default area of synthetic data.
var Bangalore = BoundingBox{
	MinLatitude:  12.80,
	MaxLatitude:  13.05,
	MinLongitude: 77.45,
	MaxLongitude: 77.75,
}

type GenerateOptions struct {
	NumUsers          int
	NumWorkers        int
	NumServices       int
	NumBookings       int
	Area              BoundingBox
	UnlocatedFraction float64
	Now               time.Time
	Seed              int64
}

func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		NumUsers:          200,
		NumWorkers:        100,
		NumServices:       len(ServiceNames),
		NumBookings:       2000,
		Area:              Bangalore,
		UnlocatedFraction: 0,
		Now:               time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Seed:              42,
	}
}

// Snapshot is a synthetic marketplace.
type Snapshot struct {
	Users          []User
	Workers        []Worker
	Services       []Service
	WorkerServices []WorkerService
	Bookings       []Booking
	UserWorkerData []UserWorkerData
}

// Generate a synthetic marketplace. The same options always produce the same snapshot.
func Generate(opts GenerateOptions) *Snapshot {
	rng := rand.New(rand.NewSource(opts.Seed))
	fake := faker.NewWithSeed(rand.NewSource(opts.Seed))
	location := func() (*float64, *float64) {
		lat := opts.Area.MinLatitude + rng.Float64()*(opts.Area.MaxLatitude-opts.Area.MinLatitude)
		lon := opts.Area.MinLongitude + rng.Float64()*(opts.Area.MaxLongitude-opts.Area.MinLongitude)
		return &lat, &lon
	}
	snapshot := new(Snapshot)

	// services
	numServices := lo.Clamp(opts.NumServices, 1, len(ServiceNames))
	for i := 0; i < numServices; i++ {
		snapshot.Services = append(snapshot.Services, Service{
			ServiceId: fmt.Sprintf("s%d", i),
			Name:      ServiceNames[i],
		})
	}

	// users
	for i := 0; i < opts.NumUsers; i++ {
		user := User{
			UserId:           fmt.Sprintf("u%d", i),
			Name:             fake.Person().Name(),
			PreferredService: snapshot.Services[rng.Intn(numServices)].ServiceId,
		}
		if rng.Float64() >= opts.UnlocatedFraction {
			user.Latitude, user.Longitude = location()
		}
		if rng.Float64() < 0.6 {
			budget := float64(200 + rng.Intn(1800))
			user.Budget = &budget
		}
		snapshot.Users = append(snapshot.Users, user)
	}

	// workers and their services
	offered := make([][]WorkerService, opts.NumWorkers)
	for i := 0; i < opts.NumWorkers; i++ {
		worker := Worker{
			WorkerId:        fmt.Sprintf("w%d", i),
			Name:            fake.Person().Name(),
			IsAvailable:     rng.Float64() < 0.85,
			ExperienceYears: float64(rng.Intn(16)),
		}
		worker.Latitude, worker.Longitude = location()
		snapshot.Workers = append(snapshot.Workers, worker)
		for _, j := range rng.Perm(numServices)[:1+rng.Intn(lo.Min([]int{3, numServices}))] {
			workerService := WorkerService{
				WorkerId:  worker.WorkerId,
				ServiceId: snapshot.Services[j].ServiceId,
			}
			if rng.Float64() < 0.9 {
				charge := float64(200 + 50*rng.Intn(27))
				workerService.Charge = &charge
			}
			offered[i] = append(offered[i], workerService)
			snapshot.WorkerServices = append(snapshot.WorkerServices, workerService)
		}
	}

	// bookings
	if opts.NumUsers > 0 && opts.NumWorkers > 0 {
		statuses := []string{BookingStatusBooked, BookingStatusInProgress, BookingStatusCompleted, BookingStatusCompleted, BookingStatusCancelled}
		for i := 0; i < opts.NumBookings; i++ {
			w := rng.Intn(opts.NumWorkers)
			service := offered[w][rng.Intn(len(offered[w]))]
			booking := Booking{
				BookingId: fmt.Sprintf("b%d", i),
				UserId:    snapshot.Users[rng.Intn(opts.NumUsers)].UserId,
				WorkerId:  service.WorkerId,
				ServiceId: service.ServiceId,
				Status:    statuses[rng.Intn(len(statuses))],
				Timestamp: opts.Now.Add(-time.Duration(rng.Intn(365*24)) * time.Hour),
			}
			if booking.Status == BookingStatusCompleted {
				rating := float64(1 + rng.Intn(5))
				booking.Rating = &rating
			}
			snapshot.Bookings = append(snapshot.Bookings, booking)
		}
	}
	snapshot.Aggregate()
	return snapshot
}

// Aggregate fills worker ratings and user-worker data from completed bookings.
func (s *Snapshot) Aggregate() {
	charges := make(map[lo.Tuple2[string, string]]*float64)
	for _, workerService := range s.WorkerServices {
		charges[lo.T2(workerService.WorkerId, workerService.ServiceId)] = workerService.Charge
	}
	type key = lo.Tuple3[string, string, string]
	aggregates := make(map[key]*UserWorkerData)
	var order []key
	ratingSum := make(map[string]float64)
	ratingCount := make(map[string]int)
	for _, booking := range s.Bookings {
		if booking.Status != BookingStatusCompleted {
			continue
		}
		k := lo.T3(booking.UserId, booking.WorkerId, booking.ServiceId)
		row, exist := aggregates[k]
		if !exist {
			row = &UserWorkerData{
				UserId:    booking.UserId,
				WorkerId:  booking.WorkerId,
				ServiceId: booking.ServiceId,
				Charge:    charges[lo.T2(booking.WorkerId, booking.ServiceId)],
			}
			aggregates[k] = row
			order = append(order, k)
		}
		row.NumBookings++
		if booking.Rating != nil {
			row.TotalRating += *booking.Rating
			ratingSum[booking.WorkerId] += *booking.Rating
			ratingCount[booking.WorkerId]++
		}
	}
	s.UserWorkerData = make([]UserWorkerData, 0, len(order))
	for _, k := range order {
		s.UserWorkerData = append(s.UserWorkerData, *aggregates[k])
	}
	for i, worker := range s.Workers {
		if n := ratingCount[worker.WorkerId]; n > 0 {
			s.Workers[i].AverageRating = math.Round(ratingSum[worker.WorkerId]/float64(n)*100) / 100
		}
	}
}

// Insert writes the snapshot into a database in batches. The callback receives
// the number of rows written by each batch.
func (s *Snapshot) Insert(ctx context.Context, database Database, batchSize int, progress func(int)) error {
	if progress == nil {
		progress = func(int) {}
	}
	for _, chunk := range lo.Chunk(s.Services, batchSize) {
		if err := database.BatchInsertServices(ctx, chunk); err != nil {
			return errors.Trace(err)
		}
		progress(len(chunk))
	}
	for _, chunk := range lo.Chunk(s.Users, batchSize) {
		if err := database.BatchInsertUsers(ctx, chunk); err != nil {
			return errors.Trace(err)
		}
		progress(len(chunk))
	}
	for _, chunk := range lo.Chunk(s.Workers, batchSize) {
		if err := database.BatchInsertWorkers(ctx, chunk); err != nil {
			return errors.Trace(err)
		}
		progress(len(chunk))
	}
	for _, chunk := range lo.Chunk(s.WorkerServices, batchSize) {
		if err := database.BatchInsertWorkerServices(ctx, chunk); err != nil {
			return errors.Trace(err)
		}
		progress(len(chunk))
	}
	for _, chunk := range lo.Chunk(s.Bookings, batchSize) {
		if err := database.BatchInsertBookings(ctx, chunk); err != nil {
			return errors.Trace(err)
		}
		progress(len(chunk))
	}
	for _, chunk := range lo.Chunk(s.UserWorkerData, batchSize) {
		if err := database.BatchInsertUserWorkerData(ctx, chunk); err != nil {
			return errors.Trace(err)
		}
		progress(len(chunk))
	}
	return nil
}

// NumRows returns the number of rows Insert writes.
func (s *Snapshot) NumRows() int {
	return len(s.Services) + len(s.Users) + len(s.Workers) + len(s.WorkerServices) + len(s.Bookings) + len(s.UserWorkerData)
}
