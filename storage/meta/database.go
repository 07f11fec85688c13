// Copyright 2024 gorse Project Authors
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

package meta

import (
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/goccy/go-json"
	"github.com/gorse-io/nearby/model"
	"github.com/gorse-io/nearby/storage"
	"github.com/juju/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
)

const (
	// CURRENT_RANKER points to the ranker that passed the deployment gate.
	CURRENT_RANKER = "CURRENT_RANKER"
	// LATEST_RANKER points to the most recently trained ranker, deployed or not.
	LATEST_RANKER = "LATEST_RANKER"
)

const (
	NodeTypeServer = "server"
	NodeTypeMaster = "master"
)

// Model is an entry of the model registry.
type Model[T any] struct {
	Version    string
	Digest     string
	Params     model.Params
	Score      T
	CreateTime time.Time
}

func (m *Model[T]) ToJSON() string {
	return string(lo.Must1(json.Marshal(m)))
}

func (m *Model[T]) FromJSON(data string) error {
	return json.Unmarshal([]byte(data), m)
}

// Node is a running process. Servers report the model version they serve.
type Node struct {
	UUID         string
	Hostname     string
	Type         string
	Version      string
	ModelVersion string
	UpdateTime   time.Time
}

type Database interface {
	Close() error
	Init() error
	UpdateNode(node *Node) error
	ListNodes() ([]*Node, error)
	Put(key, value string) error
	Get(key string) (*string, error)
	Delete(key string) error
}

// PutModel stores a registry entry under a key.
func PutModel[T any](db Database, key string, model *Model[T]) error {
	return errors.Trace(db.Put(key, model.ToJSON()))
}

// GetModel returns the registry entry under a key, or nil if the key is absent.
func GetModel[T any](db Database, key string) (*Model[T], error) {
	value, err := db.Get(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if value == nil {
		return nil, nil
	}
	model := new(Model[T])
	if err = model.FromJSON(*value); err != nil {
		return nil, errors.Annotatef(err, "failed to decode %s", key)
	}
	return model, nil
}

func Open(path string, ttl time.Duration) (Database, error) {
	var err error
	if strings.HasPrefix(path, storage.SQLitePrefix) {
		dataSourceName := path[len(storage.SQLitePrefix):]
		// append parameters
		if dataSourceName, err = storage.AppendURLParams(dataSourceName, []lo.Tuple2[string, string]{
			{A: "_pragma", B: "busy_timeout(10000)"},
			{A: "_pragma", B: "journal_mode(wal)"},
		}); err != nil {
			return nil, errors.Trace(err)
		}
		// connect to database
		database := new(SQLite)
		database.ttl = ttl
		if database.db, err = otelsql.Open("sqlite", dataSourceName,
			otelsql.WithAttributes(semconv.DBSystemSqlite),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		); err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	} else if strings.HasPrefix(path, storage.RedisPrefix) || strings.HasPrefix(path, storage.RedissPrefix) {
		opt, err := redis.ParseURL(path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		database := new(Redis)
		database.ttl = ttl
		database.client = redis.NewClient(opt)
		if err = redisotel.InstrumentTracing(database.client); err != nil {
			return nil, errors.Trace(err)
		}
		return database, nil
	}
	return nil, errors.Errorf("Unknown database: %s", path)
}
