// Copyright 2022 gorse Project Authors
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

package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteString(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	assert.NoError(t, WriteString(buf, "lambdamart"))
	assert.NoError(t, WriteString(buf, ""))
	s, err := ReadString(buf)
	assert.NoError(t, err)
	assert.Equal(t, "lambdamart", s)
	s, err = ReadString(buf)
	assert.NoError(t, err)
	assert.Equal(t, "", s)
	_, err = ReadString(buf)
	assert.Error(t, err)
}

func TestReadBytesTruncated(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	assert.NoError(t, WriteBytes(buf, []byte("hello")))
	_, err := ReadBytes(bytes.NewReader(buf.Bytes()[:6]))
	assert.Error(t, err)
}

func TestWriteGob(t *testing.T) {
	type tree struct {
		Feature   []int
		Threshold []float32
	}
	buf := bytes.NewBuffer(nil)
	expected := tree{Feature: []int{1, 2}, Threshold: []float32{0.5, 1.5}}
	assert.NoError(t, WriteGob(buf, expected))
	var actual tree
	assert.NoError(t, ReadGob(buf, &actual))
	assert.Equal(t, expected, actual)
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "0.25", FormatFloat64(0.25, -1))
	assert.Equal(t, "0.1235", FormatFloat64(0.123456, 4))
}
