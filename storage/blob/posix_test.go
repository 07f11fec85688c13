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
	"io"
	"os"
	"path"
	"testing"

	"github.com/gorse-io/nearby/config"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestPOSIX(t *testing.T) {
	// create client
	client := NewPOSIX(path.Join(t.TempDir(), "blob"))

	// list an empty store
	names, err := client.List()
	assert.NoError(t, err)
	assert.Empty(t, names)

	// write a temp file
	w, done, err := client.Create("v1/ranker.model")
	assert.NoError(t, err)
	_, err = w.Write([]byte("hello world"))
	assert.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.NoError(t, <-done)
	assert.NoError(t, WriteFile(client, "v1/ranker.manifest.json", []byte("{}")))

	// read the file
	data, err := ReadFile(client, "v1/ranker.model")
	assert.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	// list files
	names, err = client.List()
	assert.NoError(t, err)
	assert.Equal(t, []string{"v1/ranker.manifest.json", "v1/ranker.model"}, names)

	// remove file
	assert.NoError(t, client.Remove("v1/ranker.model"))
	assert.NoError(t, client.Remove("v1/ranker.model"))
	_, err = client.Open("v1/ranker.model")
	assert.True(t, errors.Is(err, errors.NotFound))
	names, err = client.List()
	assert.NoError(t, err)
	assert.Equal(t, []string{"v1/ranker.manifest.json"}, names)
}

func TestOpen(t *testing.T) {
	store, err := Open(config.BlobConfig{URI: t.TempDir()})
	assert.NoError(t, err)
	assert.IsType(t, &POSIX{}, store)

	store, err = Open(config.BlobConfig{URI: "s3://nearby/models", S3: config.S3Config{Endpoint: "localhost:9000"}})
	assert.NoError(t, err)
	assert.Equal(t, "nearby", store.(*S3).bucket)
	assert.Equal(t, "models", store.(*S3).prefix)

	_, err = Open(config.BlobConfig{URI: "s3://"})
	assert.Error(t, err)

	_, err = Open(config.BlobConfig{URI: "azblob://models"})
	assert.Error(t, err)
}

func TestPOSIXWriteFailure(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full is not available")
	}
	// every write to /dev/full fails with ENOSPC
	client := NewPOSIX("/dev")
	err := WriteFile(client, "full", []byte("hello world"))
	assert.Error(t, err)

	w, done, err := client.Create("full")
	assert.NoError(t, err)
	_, _ = w.Write([]byte("hello world"))
	_ = w.Close()
	assert.Error(t, <-done)
}

// brokenStore accepts writes but fails to persist them.
type brokenStore struct {
	*POSIX
}

func (s brokenStore) Create(string) (io.WriteCloser, chan error, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		defer close(done)
		_, _ = io.Copy(io.Discard, pr)
		done <- errors.New("connection reset")
	}()
	return pw, done, nil
}

func TestWriteFileError(t *testing.T) {
	store := brokenStore{NewPOSIX(t.TempDir())}
	err := WriteFile(store, "v1/ranker.model", []byte("hello world"))
	assert.ErrorContains(t, err, "connection reset")
	assert.ErrorContains(t, err, "v1/ranker.model")
}
