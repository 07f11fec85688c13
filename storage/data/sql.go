// Copyright 2021 gorse Project Authors
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
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/gorse-io/nearby/common/geo"
	"github.com/gorse-io/nearby/storage"
	"github.com/juju/errors"
	_ "github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	_ "modernc.org/sqlite"
)

const bufSize = 1

type SQLDriver int

const (
	MySQL SQLDriver = iota
	Postgres
	SQLite
)

type SQLUser struct {
	UserId           string   `gorm:"column:user_id;type:varchar(256);primaryKey"`
	Name             string   `gorm:"column:name;type:varchar(256)"`
	Latitude         *float64 `gorm:"column:latitude"`
	Longitude        *float64 `gorm:"column:longitude"`
	PreferredService string   `gorm:"column:preferred_service;type:varchar(256)"`
	Budget           *float64 `gorm:"column:budget"`
}

type SQLWorker struct {
	WorkerId        string   `gorm:"column:worker_id;type:varchar(256);primaryKey"`
	Name            string   `gorm:"column:name;type:varchar(256)"`
	Latitude        *float64 `gorm:"column:latitude"`
	Longitude       *float64 `gorm:"column:longitude"`
	IsAvailable     bool     `gorm:"column:is_available;index"`
	ExperienceYears float64  `gorm:"column:experience_years"`
	AverageRating   float64  `gorm:"column:average_rating"`
}

type SQLService struct {
	ServiceId string `gorm:"column:service_id;type:varchar(256);primaryKey"`
	Name      string `gorm:"column:name;type:varchar(256)"`
}

type SQLWorkerService struct {
	WorkerId  string   `gorm:"column:worker_id;type:varchar(256);primaryKey"`
	ServiceId string   `gorm:"column:service_id;type:varchar(256);primaryKey"`
	Charge    *float64 `gorm:"column:charge"`
}

type SQLBooking struct {
	BookingId string    `gorm:"column:booking_id;type:varchar(256);primaryKey"`
	UserId    string    `gorm:"column:user_id;type:varchar(256);index"`
	WorkerId  string    `gorm:"column:worker_id;type:varchar(256);index"`
	ServiceId string    `gorm:"column:service_id;type:varchar(256)"`
	Status    string    `gorm:"column:status;type:varchar(32)"`
	Rating    *float64  `gorm:"column:rating"`
	Timestamp time.Time `gorm:"column:time_stamp"`
}

type SQLUserWorkerData struct {
	UserId      string   `gorm:"column:user_id;type:varchar(256);primaryKey"`
	WorkerId    string   `gorm:"column:worker_id;type:varchar(256);primaryKey"`
	ServiceId   string   `gorm:"column:service_id;type:varchar(256);primaryKey"`
	Charge      *float64 `gorm:"column:charge"`
	NumBookings int      `gorm:"column:num_bookings"`
	TotalRating float64  `gorm:"column:total_rating"`
}

// SQLDatabase reads the marketplace tables from MySQL, Postgres or SQLite.
type SQLDatabase struct {
	storage.TablePrefix
	gormDB *gorm.DB
	client *sql.DB
	driver SQLDriver
}

// Init tables and indices.
func (d *SQLDatabase) Init() error {
	db := d.gormDB
	if d.driver == MySQL {
		db = db.Set("gorm:table_options", "ENGINE=InnoDB")
	}
	if err := db.Table(d.UsersTable()).AutoMigrate(&SQLUser{}); err != nil {
		return errors.Trace(err)
	}
	if err := db.Table(d.WorkersTable()).AutoMigrate(&SQLWorker{}); err != nil {
		return errors.Trace(err)
	}
	if err := db.Table(d.ServicesTable()).AutoMigrate(&SQLService{}); err != nil {
		return errors.Trace(err)
	}
	if err := db.Table(d.WorkerServicesTable()).AutoMigrate(&SQLWorkerService{}); err != nil {
		return errors.Trace(err)
	}
	if err := db.Table(d.BookingsTable()).AutoMigrate(&SQLBooking{}); err != nil {
		return errors.Trace(err)
	}
	if err := db.Table(d.UserWorkerDataTable()).AutoMigrate(&SQLUserWorkerData{}); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (d *SQLDatabase) Ping() error {
	return d.client.Ping()
}

// Close the connection.
func (d *SQLDatabase) Close() error {
	return d.client.Close()
}

// Purge deletes all rows.
func (d *SQLDatabase) Purge() error {
	tables := []string{
		d.UsersTable(),
		d.WorkersTable(),
		d.ServicesTable(),
		d.WorkerServicesTable(),
		d.BookingsTable(),
		d.UserWorkerDataTable(),
	}
	for _, tableName := range tables {
		if err := d.gormDB.Exec(fmt.Sprintf("DELETE FROM %s", tableName)).Error; err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func batchUpsert[T any](ctx context.Context, db *gorm.DB, table string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	err := db.WithContext(ctx).Table(table).Clauses(clause.OnConflict{UpdateAll: true}).Create(rows).Error
	return errors.Trace(err)
}

func (d *SQLDatabase) BatchInsertUsers(ctx context.Context, users []User) error {
	rows := make([]SQLUser, len(users))
	for i, user := range users {
		rows[i] = SQLUser(user)
	}
	return batchUpsert(ctx, d.gormDB, d.UsersTable(), rows)
}

func (d *SQLDatabase) BatchInsertWorkers(ctx context.Context, workers []Worker) error {
	rows := make([]SQLWorker, len(workers))
	for i, worker := range workers {
		rows[i] = SQLWorker(worker)
	}
	return batchUpsert(ctx, d.gormDB, d.WorkersTable(), rows)
}

func (d *SQLDatabase) BatchInsertServices(ctx context.Context, services []Service) error {
	rows := make([]SQLService, len(services))
	for i, service := range services {
		rows[i] = SQLService(service)
	}
	return batchUpsert(ctx, d.gormDB, d.ServicesTable(), rows)
}

func (d *SQLDatabase) BatchInsertWorkerServices(ctx context.Context, workerServices []WorkerService) error {
	rows := make([]SQLWorkerService, len(workerServices))
	for i, workerService := range workerServices {
		rows[i] = SQLWorkerService(workerService)
	}
	return batchUpsert(ctx, d.gormDB, d.WorkerServicesTable(), rows)
}

func (d *SQLDatabase) BatchInsertBookings(ctx context.Context, bookings []Booking) error {
	rows := make([]SQLBooking, len(bookings))
	for i, booking := range bookings {
		rows[i] = SQLBooking(booking)
	}
	return batchUpsert(ctx, d.gormDB, d.BookingsTable(), rows)
}

func (d *SQLDatabase) BatchInsertUserWorkerData(ctx context.Context, data []UserWorkerData) error {
	rows := make([]SQLUserWorkerData, len(data))
	for i, row := range data {
		rows[i] = SQLUserWorkerData(row)
	}
	return batchUpsert(ctx, d.gormDB, d.UserWorkerDataTable(), rows)
}

// GetUser returns a user.
func (d *SQLDatabase) GetUser(ctx context.Context, userId string) (User, error) {
	var users []SQLUser
	err := d.gormDB.WithContext(ctx).Table(d.UsersTable()).Where("user_id = ?", userId).Limit(1).Find(&users).Error
	if err != nil {
		return User{}, errors.Trace(err)
	}
	if len(users) == 0 {
		return User{}, errors.Annotate(ErrUserNotExist, userId)
	}
	return User(users[0]), nil
}

// GetUsers returns all users ordered by id.
func (d *SQLDatabase) GetUsers(ctx context.Context) ([]User, error) {
	var rows []SQLUser
	if err := d.gormDB.WithContext(ctx).Table(d.UsersTable()).Order("user_id").Find(&rows).Error; err != nil {
		return nil, errors.Trace(err)
	}
	users := make([]User, len(rows))
	for i, row := range rows {
		users[i] = User(row)
	}
	return users, nil
}

// GetUserLocations returns the coordinate of every user. Users without a location map to nil.
func (d *SQLDatabase) GetUserLocations(ctx context.Context) (map[string]*geo.Coordinate, error) {
	users, err := d.GetUsers(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	locations := make(map[string]*geo.Coordinate, len(users))
	for _, user := range users {
		locations[user.UserId] = user.Coordinate()
	}
	return locations, nil
}

// GetUserContext returns the profile of a user and its bookings from oldest to newest.
// Only completed bookings are part of the history.
func (d *SQLDatabase) GetUserContext(ctx context.Context, userId string) (*UserContext, error) {
	user, err := d.GetUser(ctx, userId)
	if err != nil {
		return nil, errors.Trace(err)
	}
	userContext := &UserContext{
		UserId:           user.UserId,
		Coordinate:       user.Coordinate(),
		PreferredService: user.PreferredService,
		Budget:           user.Budget,
	}
	result, err := d.completedBookings(ctx).
		Select("worker_id, service_id, time_stamp").
		Where("user_id = ?", userId).
		Order("time_stamp, booking_id").Rows()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer result.Close()
	for result.Next() {
		var event BookingEvent
		if err = result.Scan(&event.WorkerId, &event.ServiceId, &event.Timestamp); err != nil {
			return nil, errors.Trace(err)
		}
		userContext.BookingHistory = append(userContext.BookingHistory, event)
	}
	if err = result.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	// average rating
	ratings, err := d.userRatings(ctx).Where("user_id = ?", userId).Rows()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer ratings.Close()
	for ratings.Next() {
		var (
			ignored string
			rating  sql.NullFloat64
		)
		if err = ratings.Scan(&ignored, &rating); err != nil {
			return nil, errors.Trace(err)
		}
		userContext.AverageRating = rating.Float64
	}
	return userContext, errors.Trace(ratings.Err())
}

// completedBookings selects bookings that count as history and popularity.
func (d *SQLDatabase) completedBookings(ctx context.Context) *gorm.DB {
	return d.gormDB.WithContext(ctx).Table(d.BookingsTable()).Where("status = ?", BookingStatusCompleted)
}

// userRatings averages the ratings of completed bookings by user.
func (d *SQLDatabase) userRatings(ctx context.Context) *gorm.DB {
	return d.completedBookings(ctx).
		Select("user_id, AVG(rating) AS average_rating").
		Where("rating IS NOT NULL").
		Group("user_id")
}

// workerBookings counts completed bookings by worker.
func (d *SQLDatabase) workerBookings(ctx context.Context) *gorm.DB {
	return d.completedBookings(ctx).
		Select("worker_id, COUNT(*) AS total_bookings").
		Group("worker_id")
}

// ListCandidates returns every worker with its services and booking count, ordered by id.
// Eligibility is decided by the caller.
func (d *SQLDatabase) ListCandidates(ctx context.Context) ([]CandidateWorker, error) {
	var workers []SQLWorker
	if err := d.gormDB.WithContext(ctx).Table(d.WorkersTable()).Order("worker_id").Find(&workers).Error; err != nil {
		return nil, errors.Trace(err)
	}
	candidates := make([]CandidateWorker, len(workers))
	index := make(map[string]int, len(workers))
	for i, worker := range workers {
		index[worker.WorkerId] = i
		candidates[i] = CandidateWorker{
			WorkerStats:     WorkerStats{AverageRating: worker.AverageRating},
			WorkerId:        worker.WorkerId,
			Name:            worker.Name,
			Coordinate:      coordinate(worker.Latitude, worker.Longitude),
			IsAvailable:     worker.IsAvailable,
			ExperienceYears: worker.ExperienceYears,
		}
	}

	// services offered by workers
	services, err := d.gormDB.WithContext(ctx).
		Table(d.WorkerServicesTable()+" AS ws").
		Select("ws.worker_id, ws.service_id, s.name, ws.charge").
		Joins(fmt.Sprintf("LEFT JOIN %s AS s ON s.service_id = ws.service_id", d.ServicesTable())).
		Order("ws.worker_id, ws.service_id").Rows()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer services.Close()
	for services.Next() {
		var (
			workerId string
			name     sql.NullString
			service  CandidateService
		)
		if err = services.Scan(&workerId, &service.ServiceId, &name, &service.Charge); err != nil {
			return nil, errors.Trace(err)
		}
		service.ServiceName = name.String
		if i, ok := index[workerId]; ok {
			candidates[i].Services = append(candidates[i].Services, service)
		}
	}
	if err = services.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	// booking counts
	counts, err := d.workerBookings(ctx).Rows()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer counts.Close()
	for counts.Next() {
		var (
			workerId string
			count    int
		)
		if err = counts.Scan(&workerId, &count); err != nil {
			return nil, errors.Trace(err)
		}
		if i, ok := index[workerId]; ok {
			candidates[i].TotalBookings = count
		}
	}
	return candidates, errors.Trace(counts.Err())
}

// GetTrainingStream streams the training snapshot ordered by user. A missing charge
// on the aggregate falls back to the charge listed by the worker.
func (d *SQLDatabase) GetTrainingStream(ctx context.Context, batchSize int) (chan []TrainingRecord, chan error) {
	recordChan := make(chan []TrainingRecord, bufSize)
	errChan := make(chan error, 1)
	go func() {
		defer close(recordChan)
		defer close(errChan)
		// send query
		result, err := d.gormDB.WithContext(ctx).
			Table(d.UserWorkerDataTable()+" AS uwd").
			Select("uwd.user_id, uwd.worker_id, uwd.service_id, s.name, w.name, w.latitude, w.longitude, " +
				"COALESCE(uwd.charge, ws.charge), uwd.num_bookings, uwd.total_rating, w.experience_years, " +
				"w.average_rating, COALESCE(wb.total_bookings, 0), ur.average_rating").
			Joins(fmt.Sprintf("JOIN %s AS w ON w.worker_id = uwd.worker_id", d.WorkersTable())).
			Joins(fmt.Sprintf("LEFT JOIN %s AS s ON s.service_id = uwd.service_id", d.ServicesTable())).
			Joins(fmt.Sprintf("LEFT JOIN %s AS ws ON ws.worker_id = uwd.worker_id AND ws.service_id = uwd.service_id", d.WorkerServicesTable())).
			Joins("LEFT JOIN (?) AS wb ON wb.worker_id = uwd.worker_id", d.workerBookings(ctx)).
			Joins("LEFT JOIN (?) AS ur ON ur.user_id = uwd.user_id", d.userRatings(ctx)).
			Order("uwd.user_id, uwd.worker_id, uwd.service_id").Rows()
		if err != nil {
			errChan <- errors.Trace(err)
			return
		}
		// fetch result
		records := make([]TrainingRecord, 0, batchSize)
		defer result.Close()
		for result.Next() {
			var (
				record              TrainingRecord
				serviceName         sql.NullString
				workerName          sql.NullString
				latitude, longitude *float64
				userRating          sql.NullFloat64
			)
			if err = result.Scan(&record.UserId, &record.WorkerId, &record.ServiceId, &serviceName, &workerName,
				&latitude, &longitude, &record.Charge, &record.NumBookings, &record.TotalRating, &record.ExperienceYears,
				&record.WorkerStats.AverageRating, &record.WorkerStats.TotalBookings, &userRating); err != nil {
				errChan <- errors.Trace(err)
				return
			}
			record.ServiceName = serviceName.String
			record.WorkerName = workerName.String
			record.WorkerCoordinate = coordinate(latitude, longitude)
			record.UserAverageRating = userRating.Float64
			records = append(records, record)
			if len(records) == batchSize {
				select {
				case recordChan <- records:
				case <-ctx.Done():
					errChan <- errors.Trace(ctx.Err())
					return
				}
				records = make([]TrainingRecord, 0, batchSize)
			}
		}
		if err = result.Err(); err != nil {
			errChan <- errors.Trace(err)
			return
		}
		if len(records) > 0 {
			recordChan <- records
		}
		errChan <- nil
	}()
	return recordChan, errChan
}

// ReadTrainingRecords drains the training stream.
func ReadTrainingRecords(ctx context.Context, database Database, batchSize int) ([]TrainingRecord, error) {
	var records []TrainingRecord
	recordChan, errChan := database.GetTrainingStream(ctx, batchSize)
	for batch := range recordChan {
		records = append(records, batch...)
	}
	if err := <-errChan; err != nil {
		return nil, errors.Trace(err)
	}
	return records, nil
}
