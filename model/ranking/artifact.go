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

package ranking

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorse-io/nearby/feature"
	"github.com/gorse-io/nearby/model"
	"github.com/gorse-io/nearby/storage/blob"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
)

const (
	ModelFile    = "ranker.model"
	ManifestFile = "ranker.manifest.json"
)

// Manifest describes a model file. The model and its manifest are written under
// the same version and never change afterwards.
type Manifest struct {
	Version     string       `json:"version"`
	Columns     []string     `json:"columns"`
	Categorical []string     `json:"categorical"`
	Digest      string       `json:"digest"`
	Params      model.Params `json:"params"`
	Score       Score        `json:"score"`
	CreateTime  time.Time    `json:"create_time"`
}

// Artifact is a loaded model with its manifest.
type Artifact struct {
	Ranker   Ranker
	Manifest *Manifest
}

// WriteArtifact encodes a model and its manifest.
func WriteArtifact(modelWriter, manifestWriter io.Writer, version string, m Ranker, score Score) (*Manifest, error) {
	var buf bytes.Buffer
	if err := MarshalModel(&buf, m); err != nil {
		return nil, errors.Trace(err)
	}
	digest := sha256.Sum256(buf.Bytes())
	manifest := &Manifest{
		Version:     version,
		Columns:     m.GetColumns(),
		Categorical: m.GetCategorical(),
		Digest:      hex.EncodeToString(digest[:]),
		Params:      m.GetParams(),
		Score:       score,
		CreateTime:  time.Now().UTC(),
	}
	if _, err := modelWriter.Write(buf.Bytes()); err != nil {
		return nil, errors.Trace(err)
	}
	if err := json.NewEncoder(manifestWriter).Encode(manifest); err != nil {
		return nil, errors.Trace(err)
	}
	return manifest, nil
}

// LoadArtifact decodes a model and verifies it against its manifest and the
// current feature schema.
func LoadArtifact(modelReader, manifestReader io.Reader) (*Artifact, error) {
	var manifest Manifest
	if err := json.NewDecoder(manifestReader).Decode(&manifest); err != nil {
		return nil, errors.Annotate(err, "failed to decode manifest")
	}
	data, err := io.ReadAll(modelReader)
	if err != nil {
		return nil, errors.Trace(err)
	}
	digest := sha256.Sum256(data)
	if hex.EncodeToString(digest[:]) != manifest.Digest {
		return nil, errors.Annotatef(ErrFeatureSchemaMismatch, "digest of model %s does not match its manifest", manifest.Version)
	}
	m, err := UnmarshalModel(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Trace(err)
	}
	// values are bound to columns by position
	if !slices.Equal(manifest.Columns, m.GetColumns()) {
		return nil, errors.Annotatef(ErrFeatureSchemaMismatch, "columns of model %s do not match its manifest", manifest.Version)
	}
	if missing, _ := lo.Difference(m.GetColumns(), feature.Columns); len(missing) > 0 {
		return nil, errors.Annotatef(ErrFeatureSchemaMismatch, "unknown columns %v", missing)
	}
	return &Artifact{Ranker: m, Manifest: &manifest}, nil
}

// SaveArtifact writes a model and its manifest under a version directory.
func SaveArtifact(store blob.Store, version string, m Ranker, score Score) (*Manifest, error) {
	var modelBuf, manifestBuf bytes.Buffer
	manifest, err := WriteArtifact(&modelBuf, &manifestBuf, version, m, score)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = blob.WriteFile(store, path.Join(version, ModelFile), modelBuf.Bytes()); err != nil {
		return nil, errors.Trace(err)
	}
	if err = blob.WriteFile(store, path.Join(version, ManifestFile), manifestBuf.Bytes()); err != nil {
		return nil, errors.Trace(err)
	}
	return manifest, nil
}

// OpenArtifact loads the model of a version from a store.
func OpenArtifact(store blob.Store, version string) (*Artifact, error) {
	modelReader, err := store.Open(path.Join(version, ModelFile))
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer modelReader.Close()
	manifestReader, err := store.Open(path.Join(version, ManifestFile))
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer manifestReader.Close()
	return LoadArtifact(modelReader, manifestReader)
}

// Handle holds the active artifact. Readers load it once per request and a new
// artifact replaces the old one atomically.
type Handle struct {
	artifact atomic.Pointer[Artifact]
}

func NewHandle() *Handle {
	return new(Handle)
}

// Load returns the active artifact, or nil if none is loaded.
func (h *Handle) Load() *Artifact {
	return h.artifact.Load()
}

// Swap replaces the active artifact and returns the previous one.
func (h *Handle) Swap(artifact *Artifact) *Artifact {
	return h.artifact.Swap(artifact)
}

// Version returns the version of the active artifact, or an empty string.
func (h *Handle) Version() string {
	if artifact := h.Load(); artifact != nil && artifact.Manifest != nil {
		return artifact.Manifest.Version
	}
	return ""
}
