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

package server

import (
	"context"
	"os"
	"time"

	"github.com/emicklei/go-restful/v3"
	"github.com/google/uuid"
	"github.com/gorse-io/nearby/cmd/version"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/common/util"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/logics"
	"github.com/gorse-io/nearby/model/ranking"
	"github.com/gorse-io/nearby/storage/blob"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/gorse-io/nearby/storage/meta"
	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Server manages states of a server node.
type Server struct {
	RestServer
	uuid       string
	metaClient meta.Database
	blobStore  blob.Store
	cancel     context.CancelFunc
}

// NewServer creates a server node.
func NewServer(cfg *config.Config, dataClient data.Database, metaClient meta.Database, blobStore blob.Store) *Server {
	// setup trace provider
	tp, err := cfg.Tracing.NewTracerProvider("nearby-server")
	if err != nil {
		log.Logger().Fatal("failed to create trace provider", zap.Error(err))
	}
	otel.SetTracerProvider(tp)
	otel.SetErrorHandler(log.GetErrorHandler())
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	handle := ranking.NewHandle()
	retryClient := NewRetryDatabase(dataClient, cfg.Server.FetchTimeout)
	return &Server{
		uuid:       uuid.NewString(),
		metaClient: metaClient,
		blobStore:  blobStore,
		RestServer: RestServer{
			Config:      cfg,
			DataClient:  dataClient,
			Recommender: logics.NewRecommender(cfg, retryClient, handle),
			Handle:      handle,
			HttpHost:    cfg.Server.Host,
			HttpPort:    cfg.Server.Port,
			WebService:  new(restful.WebService),
		},
	}
}

// Serve starts a server node.
func (s *Server) Serve() {
	log.Logger().Info("start server",
		zap.String("uuid", s.uuid),
		zap.String("host", s.HttpHost),
		zap.Int("port", s.HttpPort))
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if err := s.LoadModel(); err != nil {
		log.Logger().Error("failed to load model", zap.Error(err))
	}
	go s.Sync(ctx)
	s.StartHttpServer(restful.NewContainer())
}

// Shutdown stops the loader loop and the http server.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.HttpServer != nil {
		if err := s.HttpServer.Shutdown(context.Background()); err != nil {
			log.Logger().Error("failed to shutdown http server", zap.Error(err))
		}
	}
}

// Sync polls the model registry and reports this node until ctx is done.
func (s *Server) Sync(ctx context.Context) {
	defer util.CheckPanic()
	ticker := time.NewTicker(s.Config.Server.ModelCheckPeriod)
	defer ticker.Stop()
	for {
		if err := s.LoadModel(); err != nil {
			log.Logger().Error("failed to load model", zap.Error(err))
		}
		if err := s.heartbeat(); err != nil {
			log.Logger().Error("failed to update node", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LoadModel swaps in the deployed ranker if its version differs from the active one.
// The active ranker is kept on failure.
func (s *Server) LoadModel() error {
	entry, err := meta.GetModel[ranking.Score](s.metaClient, meta.CURRENT_RANKER)
	if err != nil {
		ModelLoadsTotal.WithLabelValues("error").Inc()
		return errors.Trace(err)
	}
	if entry == nil || entry.Version == s.Handle.Version() {
		return nil
	}
	artifact, err := ranking.OpenArtifact(s.blobStore, entry.Version)
	if err != nil {
		ModelLoadsTotal.WithLabelValues("error").Inc()
		return errors.Annotatef(err, "failed to open model %s", entry.Version)
	}
	if artifact.Manifest.Digest != entry.Digest {
		ModelLoadsTotal.WithLabelValues("error").Inc()
		return errors.Annotatef(ranking.ErrFeatureSchemaMismatch, "digest of model %s differs from the registry", entry.Version)
	}
	previous := s.Handle.Swap(artifact)
	ModelLoadsTotal.WithLabelValues("ok").Inc()
	ModelCreateTime.Set(float64(artifact.Manifest.CreateTime.Unix()))
	fields := append([]zap.Field{zap.String("version", entry.Version)}, entry.Score.ZapFields()...)
	if previous != nil && previous.Manifest != nil {
		fields = append(fields, zap.String("previous", previous.Manifest.Version))
	}
	log.Logger().Info("load model", fields...)
	return nil
}

func (s *Server) heartbeat() error {
	hostname, err := os.Hostname()
	if err != nil {
		return errors.Trace(err)
	}
	return s.metaClient.UpdateNode(&meta.Node{
		UUID:         s.uuid,
		Hostname:     hostname,
		Type:         meta.NodeTypeServer,
		Version:      version.Version,
		ModelVersion: s.Handle.Version(),
		UpdateTime:   time.Now(),
	})
}
