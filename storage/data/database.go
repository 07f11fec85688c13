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
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/gorse-io/nearby/common/geo"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/storage"
	"github.com/juju/errors"
	"github.com/samber/lo"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

var (
	ErrUserNotExist   = errors.NotFoundf("user")
	ErrWorkerNotExist = errors.NotFoundf("worker")
)

const (
	BookingStatusBooked     = "booked"
	BookingStatusInProgress = "in_progress"
	BookingStatusCompleted  = "completed"
	BookingStatusCancelled  = "cancelled"
)

// User stores the profile of a customer.
type User struct {
	UserId           string `gorm:"primaryKey"`
	Name             string
	Latitude         *float64
	Longitude        *float64
	PreferredService string
	Budget           *float64
}

// Coordinate returns the location of the user, or nil if the user never shared it.
func (u User) Coordinate() *geo.Coordinate {
	return coordinate(u.Latitude, u.Longitude)
}

// Worker stores the profile of a service provider.
type Worker struct {
	WorkerId        string `gorm:"primaryKey"`
	Name            string
	Latitude        *float64
	Longitude       *float64
	IsAvailable     bool
	ExperienceYears float64
	AverageRating   float64
}

func (w Worker) Coordinate() *geo.Coordinate {
	return coordinate(w.Latitude, w.Longitude)
}

type Service struct {
	ServiceId string `gorm:"primaryKey"`
	Name      string
}

// WorkerService is a service offered by a worker at a charge.
type WorkerService struct {
	WorkerId  string `gorm:"primaryKey"`
	ServiceId string `gorm:"primaryKey"`
	Charge    *float64
}

type Booking struct {
	BookingId string `gorm:"primaryKey"`
	UserId    string
	WorkerId  string
	ServiceId string
	Status    string
	Rating    *float64
	Timestamp time.Time
}

// UserWorkerData aggregates the interactions between a user and a worker on a service.
type UserWorkerData struct {
	UserId      string `gorm:"primaryKey"`
	WorkerId    string `gorm:"primaryKey"`
	ServiceId   string `gorm:"primaryKey"`
	Charge      *float64
	NumBookings int
	TotalRating float64
}

// CandidateService is a service a candidate worker can be booked for.
type CandidateService struct {
	ServiceId   string
	ServiceName string
	Charge      *float64
}

// WorkerStats are the aggregates of a worker. AverageRating is kept on the worker
// profile and TotalBookings counts completed bookings. Serving candidates and
// training records carry the same values.
type WorkerStats struct {
	AverageRating float64
	TotalBookings int
}

// CandidateWorker is a worker considered at serving time.
type CandidateWorker struct {
	WorkerStats
	WorkerId        string
	Name            string
	Coordinate      *geo.Coordinate
	IsAvailable     bool
	Services        []CandidateService
	ExperienceYears float64
}

// Eligible returns true if the worker can be recommended.
func (c *CandidateWorker) Eligible() bool {
	return c.IsAvailable && c.Coordinate != nil
}

type BookingEvent struct {
	WorkerId  string
	ServiceId string
	Timestamp time.Time
}

// UserContext is everything known about a user at request time. Only completed
// bookings count as history.
type UserContext struct {
	UserId           string
	Coordinate       *geo.Coordinate
	BookingHistory   []BookingEvent
	AverageRating    float64
	PreferredService string
	Budget           *float64
}

func (u *UserContext) IsNewUser() bool {
	return len(u.BookingHistory) == 0
}

// TrainingRecord is a row of the training snapshot. Worker stats and the user's
// average rating come from completed bookings, the same as at serving time.
type TrainingRecord struct {
	UserId            string
	WorkerId          string
	ServiceId         string
	ServiceName       string
	WorkerName        string
	WorkerCoordinate  *geo.Coordinate
	Charge            *float64
	NumBookings       int
	TotalRating       float64
	ExperienceYears   float64
	WorkerStats       WorkerStats
	UserAverageRating float64
}

type Database interface {
	Init() error
	Ping() error
	Close() error
	Purge() error
	BatchInsertUsers(ctx context.Context, users []User) error
	BatchInsertWorkers(ctx context.Context, workers []Worker) error
	BatchInsertServices(ctx context.Context, services []Service) error
	BatchInsertWorkerServices(ctx context.Context, workerServices []WorkerService) error
	BatchInsertBookings(ctx context.Context, bookings []Booking) error
	BatchInsertUserWorkerData(ctx context.Context, data []UserWorkerData) error
	GetUser(ctx context.Context, userId string) (User, error)
	GetUsers(ctx context.Context) ([]User, error)
	GetUserLocations(ctx context.Context) (map[string]*geo.Coordinate, error)
	GetUserContext(ctx context.Context, userId string) (*UserContext, error)
	ListCandidates(ctx context.Context) ([]CandidateWorker, error)
	GetTrainingStream(ctx context.Context, batchSize int) (chan []TrainingRecord, chan error)
}

// Open a connection to a database.
func Open(path, tablePrefix string) (Database, error) {
	var err error
	if strings.HasPrefix(path, storage.MySQLPrefix) {
		name := path[len(storage.MySQLPrefix):]
		// probe isolation variable name
		isolationVarName, err := storage.ProbeMySQLIsolationVariableName(name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		// append parameters
		if name, err = storage.AppendMySQLParams(name, map[string]string{
			"sql_mode":       "'ONLY_FULL_GROUP_BY,STRICT_TRANS_TABLES,ERROR_FOR_DIVISION_BY_ZERO,NO_ENGINE_SUBSTITUTION'",
			isolationVarName: "'READ-UNCOMMITTED'",
			"parseTime":      "true",
		}); err != nil {
			return nil, errors.Trace(err)
		}
		database := new(SQLDatabase)
		database.driver = MySQL
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		if database.client, err = otelsql.Open("mysql", name,
			otelsql.WithAttributes(semconv.DBSystemMySQL),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		database.gormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: database.client}), storage.NewGORMConfig(tablePrefix))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	} else if strings.HasPrefix(path, storage.PostgresPrefix) || strings.HasPrefix(path, storage.PostgreSQLPrefix) {
		database := new(SQLDatabase)
		database.driver = Postgres
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		if database.client, err = otelsql.Open("postgres", path,
			otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		database.gormDB, err = gorm.Open(postgres.New(postgres.Config{Conn: database.client}), storage.NewGORMConfig(tablePrefix))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	} else if strings.HasPrefix(path, storage.SQLitePrefix) {
		// append parameters
		if path, err = storage.AppendURLParams(path, []lo.Tuple2[string, string]{
			{A: "_pragma", B: "busy_timeout(10000)"},
			{A: "_pragma", B: "journal_mode(wal)"},
		}); err != nil {
			return nil, errors.Trace(err)
		}
		// connect to database
		name := path[len(storage.SQLitePrefix):]
		database := new(SQLDatabase)
		database.driver = SQLite
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		if database.client, err = otelsql.Open("sqlite", name,
			otelsql.WithAttributes(semconv.DBSystemSqlite),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		gormConfig := storage.NewGORMConfig(tablePrefix)
		gormConfig.Logger = &zapgorm2.Logger{
			ZapLogger:                 log.Logger(),
			LogLevel:                  logger.Warn,
			SlowThreshold:             10 * time.Second,
			SkipCallerLookup:          false,
			IgnoreRecordNotFoundError: false,
		}
		database.gormDB, err = gorm.Open(sqlite.Dialector{Conn: database.client}, gormConfig)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	}
	return nil, errors.Errorf("Unknown database: %s", path)
}

func coordinate(latitude, longitude *float64) *geo.Coordinate {
	if latitude == nil || longitude == nil {
		return nil
	}
	return &geo.Coordinate{Latitude: *latitude, Longitude: *longitude}
}
