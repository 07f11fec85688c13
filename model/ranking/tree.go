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
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/chewxy/math32"
	"github.com/samber/lo"
)

// Node is an internal node of a regression tree. Children are node indices if
// non-negative, otherwise ^leaf.
type Node struct {
	Feature   int
	Threshold float32
	// Categories going left. Nil for numerical splits.
	Categories *bitset.BitSet
	Left       int
	Right      int
}

// goLeft decides the branch of a value.
func (n *Node) goLeft(value float32) bool {
	if n.Categories != nil {
		if value < 0 || math32.IsNaN(value) {
			return false
		}
		return n.Categories.Test(uint(value))
	}
	return value <= n.Threshold
}

// Tree is a regression tree. A tree without nodes is a single leaf.
type Tree struct {
	Nodes  []Node
	Leaves []float32
}

func (t *Tree) Predict(row []float32) float32 {
	if len(t.Nodes) == 0 {
		return t.Leaves[0]
	}
	i := 0
	for {
		node := &t.Nodes[i]
		next := node.Right
		if node.goLeft(row[node.Feature]) {
			next = node.Left
		}
		if next < 0 {
			return t.Leaves[^next]
		}
		i = next
	}
}

// NumLeaves returns the number of leaves.
func (t *Tree) NumLeaves() int {
	return len(t.Leaves)
}

// binMapper discretizes a feature. Numerical values fall in the first bin whose
// upper bound is not less than the value. Categorical codes map to one bin each.
type binMapper struct {
	categorical bool
	upper       []float32
	categories  []int
	codeToBin   map[int]int
}

func newNumericalMapper(values []float32, maxBin int) *binMapper {
	sorted := lo.Filter(values, func(v float32, _ int) bool { return !math32.IsNaN(v) })
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	distinct := lo.Uniq(sorted)
	var upper []float32
	if len(distinct) <= maxBin {
		upper = distinct
	} else {
		// quantiles
		for i := 1; i < maxBin; i++ {
			upper = append(upper, sorted[i*len(sorted)/maxBin])
		}
		upper = lo.Uniq(upper)
	}
	if len(upper) == 0 {
		upper = []float32{0}
	}
	// last bin is open
	upper[len(upper)-1] = math32.Inf(1)
	return &binMapper{upper: upper}
}

func newCategoricalMapper(values []float32) *binMapper {
	codes := lo.Uniq(lo.FilterMap(values, func(v float32, _ int) (int, bool) {
		return int(v), v >= 0 && !math32.IsNaN(v)
	}))
	sort.Ints(codes)
	mapper := &binMapper{categorical: true, categories: codes, codeToBin: make(map[int]int, len(codes))}
	for i, code := range codes {
		mapper.codeToBin[code] = i
	}
	return mapper
}

func (m *binMapper) numBins() int {
	if m.categorical {
		// unseen codes share the last bin
		return len(m.categories) + 1
	}
	return len(m.upper)
}

func (m *binMapper) bin(value float32) uint8 {
	if m.categorical {
		if b, ok := m.codeToBin[int(value)]; ok && value >= 0 {
			return uint8(b)
		}
		return uint8(len(m.categories))
	}
	if math32.IsNaN(value) {
		return uint8(len(m.upper) - 1)
	}
	return uint8(sort.Search(len(m.upper), func(i int) bool { return value <= m.upper[i] }))
}
