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

package meta

import (
	"context"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisNodesKey  = "nearby/nodes"
	redisKeyPrefix = "nearby/kv/"
)

// Redis keeps nodes in a hash and values in plain keys.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Init() error {
	return errors.Trace(r.client.Ping(context.Background()).Err())
}

func (r *Redis) UpdateNode(node *Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.client.HSet(context.Background(), redisNodesKey, node.UUID, data).Err())
}

func (r *Redis) ListNodes() ([]*Node, error) {
	ctx := context.Background()
	values, err := r.client.HGetAll(ctx, redisNodesKey).Result()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var (
		nodes    []*Node
		outdated []string
	)
	deadline := time.Now().Add(-r.ttl)
	for uuid, value := range values {
		var node Node
		if err = json.Unmarshal([]byte(value), &node); err != nil {
			return nil, errors.Trace(err)
		}
		if node.UpdateTime.After(deadline) {
			nodes = append(nodes, &node)
		} else {
			outdated = append(outdated, uuid)
		}
	}
	if len(outdated) > 0 {
		if err = r.client.HDel(ctx, redisNodesKey, outdated...).Err(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].UUID < nodes[j].UUID
	})
	return nodes, nil
}

func (r *Redis) Put(key, value string) error {
	return errors.Trace(r.client.Set(context.Background(), redisKeyPrefix+key, value, 0).Err())
}

func (r *Redis) Get(key string) (*string, error) {
	value, err := r.client.Get(context.Background(), redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return &value, nil
}

func (r *Redis) Delete(key string) error {
	return errors.Trace(r.client.Del(context.Background(), redisKeyPrefix+key).Err())
}
