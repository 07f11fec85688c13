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
	"encoding/json"
	"net/http"

	"github.com/emicklei/go-restful/v3"
	"github.com/gorse-io/nearby/model/ranking"
	"github.com/gorse-io/nearby/storage/meta"
	"github.com/steinfletcher/apitest"
)

const apiKey = "test_api_key"

func (suite *MasterTestSuite) handler() *restful.Container {
	suite.Config.Server.APIKey = apiKey
	container := restful.NewContainer()
	container.Add(suite.CreateWebService())
	return container
}

func (suite *MasterTestSuite) TestRestTrain() {
	handler := suite.handler()
	apitest.New().
		Handler(handler).
		Post("/api/train").
		Expect(suite.T()).
		Status(http.StatusUnauthorized).
		End()
	apitest.New().
		Handler(handler).
		Get("/api/train").
		Header("X-API-Key", apiKey).
		Expect(suite.T()).
		Status(http.StatusOK).
		Body(`{"running": false}`).
		End()
	apitest.New().
		Handler(handler).
		Post("/api/train").
		Header("X-API-Key", apiKey).
		Expect(suite.T()).
		Status(http.StatusAccepted).
		End()
	suite.Len(suite.scheduled, 1)

	suite.insertSnapshot()
	report, err := suite.RunTrainTask(context.Background())
	suite.NoError(err)
	apitest.New().
		Handler(handler).
		Get("/api/train").
		Header("X-API-Key", apiKey).
		Expect(suite.T()).
		Status(http.StatusOK).
		Assert(func(res *http.Response, _ *http.Request) error {
			var status TrainStatus
			suite.NoError(json.NewDecoder(res.Body).Decode(&status))
			suite.False(status.Running)
			suite.Equal(report.Version, status.Report.Version)
			suite.True(status.Report.Deployed)
			return nil
		}).
		End()
}

func (suite *MasterTestSuite) TestRestModel() {
	handler := suite.handler()
	apitest.New().
		Handler(handler).
		Get("/api/model/current").
		Header("X-API-Key", apiKey).
		Expect(suite.T()).
		Status(http.StatusNotFound).
		End()
	apitest.New().
		Handler(handler).
		Get("/api/model/oldest").
		Header("X-API-Key", apiKey).
		Expect(suite.T()).
		Status(http.StatusBadRequest).
		End()
	entry := &meta.Model[ranking.Score]{
		Version: "v1",
		Digest:  "digest",
		Score:   ranking.Score{NDCG: map[int]float64{5: 0.8}, MRR: 0.7, MAP: 0.6, Groups: 10, K: 5},
	}
	suite.NoError(meta.PutModel(suite.MetaClient, meta.LATEST_RANKER, entry))
	apitest.New().
		Handler(handler).
		Get("/api/model/latest").
		Header("X-API-Key", apiKey).
		Expect(suite.T()).
		Status(http.StatusOK).
		Assert(func(res *http.Response, _ *http.Request) error {
			var body meta.Model[ranking.Score]
			suite.NoError(json.NewDecoder(res.Body).Decode(&body))
			suite.Equal("v1", body.Version)
			suite.Equal("digest", body.Digest)
			suite.InDelta(0.8, body.Score.NDCG[5], 1e-9)
			return nil
		}).
		End()
}

func (suite *MasterTestSuite) TestRestNodes() {
	handler := suite.handler()
	suite.NoError(suite.heartbeat())
	apitest.New().
		Handler(handler).
		Get("/api/nodes").
		Header("X-API-Key", apiKey).
		Expect(suite.T()).
		Status(http.StatusOK).
		Assert(func(res *http.Response, _ *http.Request) error {
			var nodes []meta.Node
			suite.NoError(json.NewDecoder(res.Body).Decode(&nodes))
			suite.Len(nodes, 1)
			suite.Equal(meta.NodeTypeMaster, nodes[0].Type)
			return nil
		}).
		End()
}
