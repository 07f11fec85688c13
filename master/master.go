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

package master

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/emicklei/go-restful/v3"
	"github.com/google/uuid"
	"github.com/gorse-io/nearby/cmd/version"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/common/util"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/storage/blob"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/gorse-io/nearby/storage/meta"
	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const ErrTrainingInProgress = errors.ConstError("training in progress")

// Master is the master node. It retrains the ranker periodically or on demand.
type Master struct {
	Config     *config.Config
	DataClient data.Database
	MetaClient meta.Database
	BlobStore  blob.Store
	Trainer    *Trainer
	WebService *restful.WebService
	HttpServer *http.Server

	uuid       string
	trainMutex sync.Mutex
	lastReport atomic.Pointer[Report]
	lastError  atomic.String

	// events
	ticker    *time.Ticker
	scheduled chan struct{}
	cancel    context.CancelFunc
}

// NewMaster creates a master node.
func NewMaster(cfg *config.Config, dataClient data.Database, metaClient meta.Database, blobStore blob.Store) *Master {
	// setup trace provider
	tp, err := cfg.Tracing.NewTracerProvider("nearby-master")
	if err != nil {
		log.Logger().Fatal("failed to create trace provider", zap.Error(err))
	}
	otel.SetTracerProvider(tp)
	otel.SetErrorHandler(log.GetErrorHandler())
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &Master{
		Config:     cfg,
		DataClient: dataClient,
		MetaClient: metaClient,
		BlobStore:  blobStore,
		Trainer:    NewTrainer(cfg, dataClient, metaClient, blobStore),
		WebService: new(restful.WebService),
		uuid:       uuid.NewString(),
		ticker:     time.NewTicker(cfg.Master.TrainPeriod),
		scheduled:  make(chan struct{}, 1),
	}
}

// Serve starts the training loop and the http server.
func (m *Master) Serve() {
	log.Logger().Info("start master",
		zap.String("uuid", m.uuid),
		zap.Duration("train_period", m.Config.Master.TrainPeriod))
	var ctx context.Context
	ctx, m.cancel = context.WithCancel(context.Background())
	m.Schedule()
	go m.RunTasksLoop(ctx)
	go m.RunHeartbeatLoop(ctx)
	m.StartHttpServer()
}

func (m *Master) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.ticker.Stop()
	if m.HttpServer != nil {
		if err := m.HttpServer.Shutdown(context.TODO()); err != nil {
			log.Logger().Error("failed to shutdown http server", zap.Error(err))
		}
	}
}

// Schedule requests a training run. Requests made while one is pending are merged.
func (m *Master) Schedule() {
	select {
	case m.scheduled <- struct{}{}:
	default:
	}
}

func (m *Master) RunTasksLoop(ctx context.Context) {
	defer util.CheckPanic()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ticker.C:
		case <-m.scheduled:
		}
		if _, err := m.RunTrainTask(ctx); err != nil {
			log.Logger().Error("failed to train ranker", zap.Error(err))
		}
	}
}

// RunTrainTask trains a ranker unless another run is in progress.
func (m *Master) RunTrainTask(ctx context.Context) (*Report, error) {
	if !m.trainMutex.TryLock() {
		return nil, errors.Trace(ErrTrainingInProgress)
	}
	defer m.trainMutex.Unlock()
	report, err := m.Trainer.Train(ctx)
	if err != nil {
		m.lastError.Store(err.Error())
		return nil, errors.Trace(err)
	}
	m.lastError.Store("")
	m.lastReport.Store(report)
	log.Logger().Info("complete training",
		append([]zap.Field{
			zap.String("version", report.Version),
			zap.Bool("deployed", report.Deployed),
			zap.Int("rows", report.Rows),
			zap.Duration("duration", report.Duration),
		}, report.Score.ZapFields()...)...)
	return report, nil
}

func (m *Master) RunHeartbeatLoop(ctx context.Context) {
	defer util.CheckPanic()
	ticker := time.NewTicker(m.Config.Server.ModelCheckPeriod)
	defer ticker.Stop()
	for {
		if err := m.heartbeat(); err != nil {
			log.Logger().Error("failed to update node", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Master) heartbeat() error {
	hostname, err := os.Hostname()
	if err != nil {
		return errors.Trace(err)
	}
	var modelVersion string
	if report := m.lastReport.Load(); report != nil {
		modelVersion = report.Version
	}
	return m.MetaClient.UpdateNode(&meta.Node{
		UUID:         m.uuid,
		Hostname:     hostname,
		Type:         meta.NodeTypeMaster,
		Version:      version.Version,
		ModelVersion: modelVersion,
		UpdateTime:   time.Now(),
	})
}
