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

package blob

import (
	"context"
	"os"
	"testing"

	"github.com/gorse-io/nearby/config"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

var (
	endpoint        = os.Getenv("S3_ENDPOINT")
	accessKeyID     = os.Getenv("S3_ACCESS_KEY_ID")
	secretAccessKey = os.Getenv("S3_SECRET_ACCESS_KEY")
)

func TestS3(t *testing.T) {
	if endpoint == "" || accessKeyID == "" || secretAccessKey == "" {
		t.Skip("S3 environment variables are not set, skipping S3 tests")
	}

	// create client
	client, err := NewS3(config.S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
	}, "nearby-test", "models")
	assert.NoError(t, err)

	// create bucket if not exists
	exists, err := client.Client.BucketExists(context.Background(), client.bucket)
	assert.NoError(t, err)
	if !exists {
		err = client.Client.MakeBucket(context.Background(), client.bucket, minio.MakeBucketOptions{})
		assert.NoError(t, err)
	}

	// write a temp file
	assert.NoError(t, WriteFile(client, "v1/ranker.model", []byte("hello world")))

	// read the file
	data, err := ReadFile(client, "v1/ranker.model")
	assert.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	// list and remove
	names, err := client.List()
	assert.NoError(t, err)
	assert.Contains(t, names, "v1/ranker.model")
	assert.NoError(t, client.Remove("v1/ranker.model"))
	names, err = client.List()
	assert.NoError(t, err)
	assert.NotContains(t, names, "v1/ranker.model")
}
