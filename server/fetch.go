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
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// RetryDatabase retries reads of user contexts and candidates with exponential
// backoff. Missing users are not retried.
type RetryDatabase struct {
	data.Database
	timeout time.Duration
}

func NewRetryDatabase(database data.Database, timeout time.Duration) *RetryDatabase {
	return &RetryDatabase{Database: database, timeout: timeout}
}

func (r *RetryDatabase) GetUserContext(ctx context.Context, userId string) (*data.UserContext, error) {
	return retry(ctx, r.timeout, "get user context", func() (*data.UserContext, error) {
		return r.Database.GetUserContext(ctx, userId)
	})
}

func (r *RetryDatabase) ListCandidates(ctx context.Context) ([]data.CandidateWorker, error) {
	return retry(ctx, r.timeout, "list candidates", func() ([]data.CandidateWorker, error) {
		return r.Database.ListCandidates(ctx)
	})
}

func retry[T any](ctx context.Context, timeout time.Duration, name string, fetch func() (T, error)) (T, error) {
	attempts := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		if attempts > 1 {
			FetchRetriesTotal.Inc()
		}
		result, err := fetch()
		if err != nil {
			if errors.Is(err, errors.NotFound) || errors.Is(err, context.Canceled) {
				return result, backoff.Permanent(err)
			}
			log.Logger().Warn("failed to fetch", zap.String("operation", name), zap.Int("attempt", attempts), zap.Error(err))
			return result, err
		}
		return result, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout))
	return result, errors.Trace(err)
}
