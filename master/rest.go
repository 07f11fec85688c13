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
	"fmt"
	"net/http"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	"github.com/emicklei/go-restful/v3"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/model/ranking"
	"github.com/gorse-io/nearby/server"
	"github.com/gorse-io/nearby/storage/meta"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/emicklei/go-restful/otelrestful"
	"go.uber.org/zap"
)

// TrainStatus is the state of the training loop.
type TrainStatus struct {
	Running   bool    `json:"running"`
	LastError string  `json:"last_error,omitempty"`
	Report    *Report `json:"report,omitempty"`
}

func (m *Master) CreateWebService() *restful.WebService {
	ws := m.WebService
	ws.Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON)
	ws.Path("/api/")
	ws.Filter(server.LogFilter)
	ws.Filter(otelrestful.OTelFilter("nearby-master"))

	ws.Route(ws.POST("/train").To(m.scheduleTrain).
		Doc("Schedule a training run.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"training"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Returns(http.StatusAccepted, "scheduled", TrainStatus{}))
	ws.Route(ws.GET("/train").To(m.getTrainStatus).
		Doc("Get the state of training.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"training"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Writes(TrainStatus{}))
	ws.Route(ws.GET("/model/{kind}").To(m.getModel).
		Doc("Get the current or the latest ranker in the registry.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"model"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Param(ws.PathParameter("kind", "current or latest").DataType("string")).
		Writes(meta.Model[ranking.Score]{}))
	ws.Route(ws.GET("/nodes").To(m.getNodes).
		Doc("Get nodes in the cluster.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"cluster"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Writes([]*meta.Node{}))
	return ws
}

func (m *Master) StartHttpServer() {
	container := restful.NewContainer()
	container.Add(m.CreateWebService())
	specConfig := restfulspec.Config{
		WebServices: container.RegisteredWebServices(),
		APIPath:     "/apidocs.json",
	}
	container.Add(restfulspec.NewOpenAPIService(specConfig))
	container.Handle("/metrics", promhttp.Handler())
	m.HttpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", m.Config.Master.Host, m.Config.Master.Port),
		Handler: container,
	}
	log.Logger().Info("start http server",
		zap.String("url", fmt.Sprintf("http://%s:%d", m.Config.Master.Host, m.Config.Master.Port)))
	if err := m.HttpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Logger().Fatal("failed to start http server", zap.Error(err))
	}
}

func (m *Master) auth(request *restful.Request, response *restful.Response) bool {
	if m.Config.Server.APIKey == "" || request.HeaderParameter("X-API-Key") == m.Config.Server.APIKey {
		return true
	}
	if err := response.WriteHeaderAndJson(http.StatusUnauthorized, server.ErrorResponse{
		Code:    server.CodeUnauthorized,
		Message: "unauthorized",
	}, restful.MIME_JSON); err != nil {
		log.Logger().Error("failed to write error", zap.Error(err))
	}
	return false
}

func (m *Master) status() TrainStatus {
	running := !m.trainMutex.TryLock()
	if !running {
		m.trainMutex.Unlock()
	}
	return TrainStatus{
		Running:   running,
		LastError: m.lastError.Load(),
		Report:    m.lastReport.Load(),
	}
}

func (m *Master) scheduleTrain(request *restful.Request, response *restful.Response) {
	if !m.auth(request, response) {
		return
	}
	m.Schedule()
	if err := response.WriteHeaderAndJson(http.StatusAccepted, m.status(), restful.MIME_JSON); err != nil {
		log.Logger().Error("failed to write json", zap.Error(err))
	}
}

func (m *Master) getTrainStatus(request *restful.Request, response *restful.Response) {
	if !m.auth(request, response) {
		return
	}
	server.Ok(response, m.status())
}

func (m *Master) getModel(request *restful.Request, response *restful.Response) {
	if !m.auth(request, response) {
		return
	}
	var key string
	switch kind := request.PathParameter("kind"); kind {
	case "current":
		key = meta.CURRENT_RANKER
	case "latest":
		key = meta.LATEST_RANKER
	default:
		server.BadRequest(response, server.CodeInvalidArgument, errors.NotValidf("model kind %s", kind))
		return
	}
	entry, err := meta.GetModel[ranking.Score](m.MetaClient, key)
	if err != nil {
		server.InternalServerError(response, server.CodeInternal, err)
		return
	}
	if entry == nil {
		server.PageNotFound(response, errors.NotFoundf("model %s", key))
		return
	}
	server.Ok(response, entry)
}

func (m *Master) getNodes(request *restful.Request, response *restful.Response) {
	if !m.auth(request, response) {
		return
	}
	nodes, err := m.MetaClient.ListNodes()
	if err != nil {
		server.InternalServerError(response, server.CodeInternal, err)
		return
	}
	server.Ok(response, nodes)
}
