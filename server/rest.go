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
	"fmt"
	"net/http"
	"strconv"
	"time"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	"github.com/emicklei/go-restful/v3"
	"github.com/google/uuid"
	"github.com/gorse-io/nearby/common/geo"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/feature"
	"github.com/gorse-io/nearby/logics"
	"github.com/gorse-io/nearby/model/ranking"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/emicklei/go-restful/otelrestful"
	"go.uber.org/zap"
)

const (
	CodeMissingLocation   = "missing_location"
	CodeInvalidCoordinate = "invalid_coordinate"
	CodeInvalidArgument   = "invalid_argument"
	CodeNotFound          = "not_found"
	CodeSchemaMismatch    = "feature_schema_mismatch"
	CodeInternal          = "internal"
	CodeUnauthorized      = "unauthorized"
)

// RestServer implements a REST-ful API server.
type RestServer struct {
	Config      *config.Config
	DataClient  data.Database
	Recommender *logics.Recommender
	Handle      *ranking.Handle
	HttpHost    string
	HttpPort    int
	WebService  *restful.WebService
	HttpServer  *http.Server
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RecommendResponse is the body of a recommendation.
type RecommendResponse struct {
	UserId          string                `json:"user_id"`
	Count           int                   `json:"count"`
	Recommendations []logics.RankedResult `json:"recommendations"`
}

// ModelResponse describes the active ranker.
type ModelResponse struct {
	Version    string        `json:"version"`
	Digest     string        `json:"digest"`
	Columns    []string      `json:"columns"`
	Score      ranking.Score `json:"score"`
	CreateTime time.Time     `json:"create_time"`
}

// HealthResponse is the body of health checks.
type HealthResponse struct {
	Ready        bool   `json:"ready"`
	DataStore    bool   `json:"data_store"`
	ModelVersion string `json:"model_version"`
	Message      string `json:"message,omitempty"`
}

// StartHttpServer starts the REST-ful API server.
func (s *RestServer) StartHttpServer(container *restful.Container) {
	container.Add(s.CreateWebService())
	specConfig := restfulspec.Config{
		WebServices: container.RegisteredWebServices(),
		APIPath:     "/apidocs.json",
	}
	container.Add(restfulspec.NewOpenAPIService(specConfig))
	container.Handle("/metrics", promhttp.Handler())

	s.HttpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.HttpHost, s.HttpPort),
		Handler: container,
	}
	log.Logger().Info("start http server",
		zap.String("url", fmt.Sprintf("http://%s:%d", s.HttpHost, s.HttpPort)))
	if err := s.HttpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Logger().Fatal("failed to start http server", zap.Error(err))
	}
}

func LogFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	requestId := req.Request.Header.Get("X-Request-ID")
	if requestId == "" {
		requestId = uuid.NewString()
	}
	resp.Header().Set("X-Request-ID", requestId)
	start := time.Now()
	chain.ProcessFilter(req, resp)
	if req.Request.URL.Path != "/api/health/live" {
		log.ResponseLogger(resp).Info(fmt.Sprintf("%s %s", req.Request.Method, req.Request.URL),
			zap.Int("status_code", resp.StatusCode()),
			zap.Duration("duration", time.Since(start)))
	}
}

// CreateWebService creates web service.
func (s *RestServer) CreateWebService() *restful.WebService {
	// Create a server
	ws := s.WebService
	if ws == nil {
		ws = new(restful.WebService)
		s.WebService = ws
	}
	ws.Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON)
	ws.Path("/api/")
	ws.Filter(LogFilter)
	ws.Filter(otelrestful.OTelFilter("nearby-server"))

	// Recommend workers
	ws.Route(ws.GET("/recommend/{user-id}").To(s.getRecommend).
		Doc("Recommend nearby workers to a user.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"recommendation"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Param(ws.PathParameter("user-id", "identifier of the user").DataType("string")).
		Param(ws.QueryParameter("n", "number of returned workers").DataType("integer")).
		Returns(http.StatusOK, "OK", RecommendResponse{}).
		Returns(http.StatusBadRequest, "missing location or invalid argument", ErrorResponse{}).
		Returns(http.StatusNotFound, "user not found", ErrorResponse{}).
		Writes(RecommendResponse{}))
	// Active model
	ws.Route(ws.GET("/model").To(s.getModel).
		Doc("Get the active ranker.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"model"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Returns(http.StatusOK, "OK", ModelResponse{}).
		Returns(http.StatusNotFound, "no model loaded", ErrorResponse{}).
		Writes(ModelResponse{}))
	// Health check
	ws.Route(ws.GET("/health/live").To(s.checkLive).
		Doc("Probe liveness.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"health"}).
		Writes(HealthResponse{}))
	ws.Route(ws.GET("/health/ready").To(s.checkReady).
		Doc("Probe readiness.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"health"}).
		Returns(http.StatusOK, "OK", HealthResponse{}).
		Returns(http.StatusServiceUnavailable, "data store unreachable", HealthResponse{}).
		Writes(HealthResponse{}))
	return ws
}

// ParseInt parses integers from the query parameter.
func ParseInt(request *restful.Request, name string, fallback int) (value int, err error) {
	valueString := request.QueryParameter(name)
	value, err = strconv.Atoi(valueString)
	if err != nil && valueString == "" {
		value = fallback
		err = nil
	}
	return
}

func (s *RestServer) getRecommend(request *restful.Request, response *restful.Response) {
	// authorize
	if !s.auth(request, response) {
		return
	}
	start := time.Now()
	// parse arguments
	userId := request.PathParameter("user-id")
	n, err := ParseInt(request, "n", s.Config.Server.DefaultN)
	if err != nil {
		RecommendRequestsTotal.WithLabelValues("bad_request").Inc()
		BadRequest(response, CodeInvalidArgument, err)
		return
	}
	if n <= 0 {
		RecommendRequestsTotal.WithLabelValues("bad_request").Inc()
		BadRequest(response, CodeInvalidArgument, errors.NotValidf("n = %d", n))
		return
	}
	recommendation, err := s.Recommender.RecommendDetail(request.Request.Context(), userId, n)
	if err != nil {
		s.writeRecommendError(response, err)
		return
	}
	RecommendRequestsTotal.WithLabelValues("ok").Inc()
	GetRecommendSeconds.Observe(time.Since(start).Seconds())
	BatchSize.Observe(float64(recommendation.Candidates))
	if recommendation.ColdStart {
		ColdStartTotal.Inc()
	}
	if len(recommendation.Results) == 0 {
		EmptyResultsTotal.Inc()
	}
	Ok(response, RecommendResponse{
		UserId:          userId,
		Count:           len(recommendation.Results),
		Recommendations: recommendation.Results,
	})
}

func (s *RestServer) writeRecommendError(response *restful.Response, err error) {
	switch {
	case errors.Is(err, logics.ErrMissingLocation):
		RecommendRequestsTotal.WithLabelValues("bad_request").Inc()
		BadRequest(response, CodeMissingLocation, err)
	case errors.Is(err, geo.ErrInvalidCoordinate):
		RecommendRequestsTotal.WithLabelValues("bad_request").Inc()
		BadRequest(response, CodeInvalidCoordinate, err)
	case errors.Is(err, errors.NotFound):
		RecommendRequestsTotal.WithLabelValues("not_found").Inc()
		PageNotFound(response, err)
	case errors.Is(err, feature.ErrFeatureSchemaMismatch):
		RecommendRequestsTotal.WithLabelValues("error").Inc()
		InternalServerError(response, CodeSchemaMismatch, err)
	default:
		RecommendRequestsTotal.WithLabelValues("error").Inc()
		InternalServerError(response, CodeInternal, err)
	}
}

func (s *RestServer) getModel(request *restful.Request, response *restful.Response) {
	if !s.auth(request, response) {
		return
	}
	artifact := s.Handle.Load()
	if artifact == nil || artifact.Manifest == nil {
		PageNotFound(response, errors.NotFoundf("model"))
		return
	}
	Ok(response, ModelResponse{
		Version:    artifact.Manifest.Version,
		Digest:     artifact.Manifest.Digest,
		Columns:    artifact.Manifest.Columns,
		Score:      artifact.Manifest.Score,
		CreateTime: artifact.Manifest.CreateTime,
	})
}

func (s *RestServer) checkLive(_ *restful.Request, response *restful.Response) {
	Ok(response, HealthResponse{Ready: true, ModelVersion: s.Handle.Version()})
}

func (s *RestServer) checkReady(request *restful.Request, response *restful.Response) {
	health := HealthResponse{ModelVersion: s.Handle.Version()}
	if err := s.DataClient.Ping(); err != nil {
		health.Message = err.Error()
		log.ResponseLogger(response).Error("data store is unreachable", zap.Error(err))
		response.Header().Set("Access-Control-Allow-Origin", "*")
		if err = response.WriteHeaderAndJson(http.StatusServiceUnavailable, health, restful.MIME_JSON); err != nil {
			log.ResponseLogger(response).Error("failed to write json", zap.Error(err))
		}
		return
	}
	health.Ready, health.DataStore = true, true
	Ok(response, health)
}

func writeError(response *restful.Response, status int, code string, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	if err = response.WriteHeaderAndJson(status, ErrorResponse{Code: code, Message: err.Error()}, restful.MIME_JSON); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// BadRequest returns a bad request error.
func BadRequest(response *restful.Response, code string, err error) {
	log.ResponseLogger(response).Warn("bad request", zap.String("code", code), zap.Error(err))
	writeError(response, http.StatusBadRequest, code, err)
}

// InternalServerError returns a internal server error.
func InternalServerError(response *restful.Response, code string, err error) {
	log.ResponseLogger(response).Error("internal server error", zap.String("code", code), zap.Error(err))
	writeError(response, http.StatusInternalServerError, code, err)
}

// PageNotFound returns a not found error.
func PageNotFound(response *restful.Response, err error) {
	writeError(response, http.StatusNotFound, CodeNotFound, err)
}

// Ok sends the content as JSON to the client.
func Ok(response *restful.Response, content interface{}) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	if err := response.WriteAsJson(content); err != nil {
		log.ResponseLogger(response).Error("failed to write json", zap.Error(err))
	}
}

func (s *RestServer) auth(request *restful.Request, response *restful.Response) bool {
	if s.Config.Server.APIKey == "" {
		return true
	}
	apikey := request.HeaderParameter("X-API-Key")
	if apikey == s.Config.Server.APIKey {
		return true
	}
	log.ResponseLogger(response).Error("unauthorized", zap.String("X-API-Key", apikey))
	writeError(response, http.StatusUnauthorized, CodeUnauthorized, errors.Unauthorizedf("api key"))
	return false
}
