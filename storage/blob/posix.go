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
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/gorse-io/nearby/common/log"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

type POSIX struct {
	dir string
}

func NewPOSIX(dir string) *POSIX {
	return &POSIX{dir: dir}
}

// Open a file for reading. It returns an io.Reader that can be used to read the file's content.
func (p *POSIX) Open(name string) (io.ReadCloser, error) {
	fullPath := filepath.Join(p.dir, filepath.FromSlash(name))
	file, err := os.Open(fullPath)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("blob %s", name)
	}
	return file, err
}

// Create a new file for writing. It returns an io.WriteCloser that can be used to write data to the file. It also
// returns a done channel that receives the error of writing or closing the file.
func (p *POSIX) Create(name string) (io.WriteCloser, chan error, error) {
	fullPath := filepath.Join(p.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(fullPath), os.ModePerm); err != nil {
		return nil, nil, errors.Trace(err)
	}
	file, err := os.Create(fullPath)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	done := make(chan error, 1)
	pr, pw := io.Pipe()
	go func() {
		defer close(done)
		_, err := io.Copy(file, pr)
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			log.Logger().Error("failed to write to file", zap.String("file", fullPath), zap.Error(err))
			_ = pr.CloseWithError(err)
		}
		done <- errors.Trace(err)
	}()
	return pw, done, nil
}

// List returns slash separated names of all files under the directory.
func (p *POSIX) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	sort.Strings(names)
	return names, nil
}

func (p *POSIX) Remove(name string) error {
	fullPath := filepath.Join(p.dir, filepath.FromSlash(name))
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}
