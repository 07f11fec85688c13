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
	"strings"

	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/storage"
	"github.com/juju/errors"
)

// Store keeps model artifacts.
type Store interface {
	// Open a file for reading.
	Open(name string) (io.ReadCloser, error)
	// Create a file for writing. The done channel receives the result of persisting
	// the content once the writer is closed.
	Create(name string) (io.WriteCloser, chan error, error)
	// List names of all files.
	List() ([]string, error)
	// Remove a file.
	Remove(name string) error
}

// Open a store from the configured URI. A URI without a known scheme is a local directory.
func Open(cfg config.BlobConfig) (Store, error) {
	switch {
	case strings.HasPrefix(cfg.URI, storage.S3Prefix):
		bucket, prefix, err := storage.SplitBucketURI(cfg.URI, storage.S3Prefix)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return NewS3(cfg.S3, bucket, prefix)
	case strings.HasPrefix(cfg.URI, storage.GCSPrefix):
		bucket, prefix, err := storage.SplitBucketURI(cfg.URI, storage.GCSPrefix)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return NewGCS(cfg.GCS, bucket, prefix)
	case strings.HasPrefix(cfg.URI, storage.AzurePrefix):
		container, prefix, err := storage.SplitBucketURI(cfg.URI, storage.AzurePrefix)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return NewAzureBlob(cfg.Azure, container, prefix)
	default:
		return NewPOSIX(cfg.URI), nil
	}
}

// WriteFile writes data to a file and waits until it is persisted.
func WriteFile(store Store, name string, data []byte) error {
	w, done, err := store.Create(name)
	if err != nil {
		return errors.Trace(err)
	}
	_, writeErr := w.Write(data)
	closeErr := w.Close()
	if err = <-done; err != nil {
		return errors.Annotatef(err, "failed to persist %s", name)
	}
	if writeErr != nil {
		return errors.Trace(writeErr)
	}
	return errors.Trace(closeErr)
}

// ReadFile reads the whole content of a file.
func ReadFile(store Store, name string) ([]byte, error) {
	r, err := store.Open(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}
