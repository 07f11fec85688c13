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
	"context"
	"io"
	"math"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/c-bata/goptuna"
	"github.com/gorse-io/nearby/common/encoding"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/common/parallel"
	"github.com/gorse-io/nearby/common/util"
	"github.com/gorse-io/nearby/dataset"
	"github.com/gorse-io/nearby/feature"
	"github.com/gorse-io/nearby/model"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// LambdaMART is an ensemble of regression trees boosted on the LambdaRank
// gradients of NDCG.
type LambdaMART struct {
	model.BaseModel
	Columns     []string
	Categorical []string
	Trees       []Tree
	// Hyper-parameters
	lr              float64
	numRounds       int
	numLeaves       int
	maxDepth        int
	minDataInLeaf   int
	minSumHessian   float64
	minGainToSplit  float64
	lambdaL2        float64
	featureFraction float64
	baggingFraction float64
	baggingFreq     int
	maxBin          int
	sigmoid         float64
	labelGain       []float64
}

func NewLambdaMART(params model.Params) *LambdaMART {
	m := new(LambdaMART)
	m.SetParams(params)
	return m
}

func (m *LambdaMART) SetParams(params model.Params) {
	m.BaseModel.SetParams(params)
	m.lr = m.Params.GetFloat64(model.Lr, 0.05)
	m.numRounds = m.Params.GetInt(model.NumRounds, 500)
	m.numLeaves = max(2, m.Params.GetInt(model.NumLeaves, 15))
	m.maxDepth = m.Params.GetInt(model.MaxDepth, 4)
	m.minDataInLeaf = max(1, m.Params.GetInt(model.MinDataInLeaf, 20))
	m.minSumHessian = m.Params.GetFloat64(model.MinSumHessian, 1e-3)
	m.minGainToSplit = m.Params.GetFloat64(model.MinGainToSplit, 0)
	m.lambdaL2 = m.Params.GetFloat64(model.LambdaL2, 1)
	m.featureFraction = lo.Clamp(m.Params.GetFloat64(model.FeatureFraction, 1), 0, 1)
	m.baggingFraction = lo.Clamp(m.Params.GetFloat64(model.BaggingFraction, 1), 0, 1)
	m.baggingFreq = m.Params.GetInt(model.BaggingFreq, 0)
	m.maxBin = lo.Clamp(m.Params.GetInt(model.MaxBin, 63), 2, 255)
	m.sigmoid = m.Params.GetFloat64(model.Sigmoid, 1)
	m.labelGain = m.Params.GetFloat64s(model.LabelGain, []float64{0, 1, 2, 3, 4, 5})
}

func (m *LambdaMART) SuggestParams(trial goptuna.Trial) model.Params {
	return m.Params.Overwrite(model.Params{
		model.Lr:              lo.Must(trial.SuggestLogFloat(string(model.Lr), 0.005, 0.3)),
		model.NumLeaves:       lo.Must(trial.SuggestInt(string(model.NumLeaves), 4, 63)),
		model.MaxDepth:        lo.Must(trial.SuggestInt(string(model.MaxDepth), 2, 8)),
		model.MinDataInLeaf:   lo.Must(trial.SuggestInt(string(model.MinDataInLeaf), 1, 100)),
		model.LambdaL2:        lo.Must(trial.SuggestLogFloat(string(model.LambdaL2), 1e-3, 10)),
		model.FeatureFraction: lo.Must(trial.SuggestFloat(string(model.FeatureFraction), 0.5, 1)),
		model.BaggingFraction: lo.Must(trial.SuggestFloat(string(model.BaggingFraction), 0.5, 1)),
	})
}

func (m *LambdaMART) Clear() {
	m.Columns = nil
	m.Categorical = nil
	m.Trees = nil
}

func (m *LambdaMART) Invalid() bool {
	return m == nil || len(m.Columns) == 0 || len(m.Trees) == 0
}

func (m *LambdaMART) GetColumns() []string {
	return m.Columns
}

func (m *LambdaMART) GetCategorical() []string {
	return m.Categorical
}

func (m *LambdaMART) Predict(table *feature.Table) ([]float32, error) {
	if m.Invalid() {
		return nil, errors.NotValidf("untrained ranker")
	}
	rows, err := table.Select(m.Columns)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return m.PredictRows(rows), nil
}

func (m *LambdaMART) PredictRows(rows [][]float32) []float32 {
	predictions := make([]float32, len(rows))
	for i, row := range rows {
		predictions[i] = m.predictRow(row)
	}
	return predictions
}

func (m *LambdaMART) predictRow(row []float32) float32 {
	var sum float32
	for i := range m.Trees {
		sum += m.Trees[i].Predict(row)
	}
	return sum
}

func (m *LambdaMART) Marshal(w io.Writer) error {
	if err := encoding.WriteGob(w, m.Params); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteGob(w, m.Columns); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteGob(w, m.Categorical); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(encoding.WriteGob(w, m.Trees))
}

func (m *LambdaMART) Unmarshal(r io.Reader) error {
	var params model.Params
	if err := encoding.ReadGob(r, &params); err != nil {
		return errors.Trace(err)
	}
	m.SetParams(params)
	if err := encoding.ReadGob(r, &m.Columns); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.ReadGob(r, &m.Categorical); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(encoding.ReadGob(r, &m.Trees))
}

// Fit boosts trees on the training set. The validation set drives early stopping
// on NDCG at the largest cutoff, and trees after the best round are dropped.
func (m *LambdaMART) Fit(ctx context.Context, trainSet, validSet *dataset.Dataset, config *FitConfig) Score {
	config = config.LoadDefaultIfNil()
	m.Clear()
	m.Columns = trainSet.Columns
	m.Categorical = trainSet.Categorical
	evaluator := NewEvaluator(config.EvalAt, m.labelGain, config.RelevanceThreshold)
	if trainSet.Count() == 0 || m.numRounds <= 0 {
		log.Logger().Warn("no data to fit LambdaMART", zap.Int("rows", trainSet.Count()))
		return evaluator.Evaluate(validSet, make([]float32, validSet.Count()))
	}
	b := newBooster(m, trainSet, config.Jobs)
	validScores := make([]float32, validSet.Count())
	earlyStopping := validSet.CountGroups() > 0 && config.Patience > 0

	var (
		bestScore Score
		bestRound = -1
	)
	for round := 0; round < m.numRounds; round++ {
		if ctx.Err() != nil {
			log.Logger().Warn("fit LambdaMART canceled", zap.Int("round", round))
			break
		}
		tree, err := b.boost(ctx, round)
		if err != nil {
			log.Logger().Error("failed to boost tree", zap.Int("round", round), zap.Error(err))
			break
		}
		m.Trees = append(m.Trees, tree)
		for i, row := range validSet.Features {
			validScores[i] += tree.Predict(row)
		}

		score := evaluator.Evaluate(validSet, validScores)
		if bestRound < 0 || score.BetterThan(bestScore) || !earlyStopping {
			bestScore, bestRound = score, round
		}
		if config.Verbose > 0 && (round+1)%config.Verbose == 0 {
			fields := append([]zap.Field{zap.Int("round", round+1), zap.Int("leaves", tree.NumLeaves())}, score.ZapFields()...)
			log.Logger().Info("fit LambdaMART", fields...)
		}
		if earlyStopping && round-bestRound >= config.Patience {
			log.Logger().Info("early stopping", zap.Int("round", round+1), zap.Int("best_round", bestRound+1))
			break
		}
	}
	if bestRound >= 0 {
		m.Trees = m.Trees[:bestRound+1]
	}
	log.Logger().Info("fit LambdaMART complete", append([]zap.Field{zap.Int("trees", len(m.Trees))}, bestScore.ZapFields()...)...)
	return bestScore
}

// booster holds the state of training.
type booster struct {
	m         *LambdaMART
	d         *dataset.Dataset
	jobs      int
	rng       util.RandomGenerator
	mappers   []*binMapper
	bins      [][]uint8 // feature-major
	scores    []float64
	grad      []float64
	hess      []float64
	invMaxDCG []float64
	bag       []int
}

func newBooster(m *LambdaMART, d *dataset.Dataset, jobs int) *booster {
	b := &booster{
		m:         m,
		d:         d,
		jobs:      max(1, jobs),
		rng:       util.NewRandomGenerator(m.GetRandomState()),
		mappers:   make([]*binMapper, len(d.Columns)),
		bins:      make([][]uint8, len(d.Columns)),
		scores:    make([]float64, d.Count()),
		grad:      make([]float64, d.Count()),
		hess:      make([]float64, d.Count()),
		invMaxDCG: make([]float64, d.CountGroups()),
		bag:       lo.Range(d.Count()),
	}
	categorical := lo.SliceToMap(d.Categorical, func(c string) (string, bool) { return c, true })
	_ = parallel.For(context.Background(), len(d.Columns), b.jobs, func(j int) {
		values := lo.Map(d.Features, func(row []float32, _ int) float32 { return row[j] })
		var mapper *binMapper
		if categorical[d.Columns[j]] {
			mapper = newCategoricalMapper(values)
		}
		// too many codes are binned by value
		if mapper == nil || mapper.numBins() > m.maxBin {
			mapper = newNumericalMapper(values, m.maxBin)
		}
		b.mappers[j] = mapper
		b.bins[j] = lo.Map(values, func(v float32, _ int) uint8 { return mapper.bin(v) })
	})
	for i, group := range d.Groups {
		ideal := append([]int(nil), d.Labels[group.Begin:group.End]...)
		sort.Sort(sort.Reverse(sort.IntSlice(ideal)))
		if maxDCG := DCG(ideal, len(ideal), m.labelGain); maxDCG > 0 {
			b.invMaxDCG[i] = 1 / maxDCG
		}
	}
	return b
}

// boost fits one tree on the current gradients and adds it to the scores.
func (b *booster) boost(ctx context.Context, round int) (Tree, error) {
	if err := b.computeGradients(ctx); err != nil {
		return Tree{}, errors.Trace(err)
	}
	if b.m.baggingFreq > 0 && b.m.baggingFraction < 1 && round%b.m.baggingFreq == 0 {
		b.bagging()
	}
	tree, err := b.growTree(ctx, b.bag, b.sampleFeatures())
	if err != nil {
		return Tree{}, errors.Trace(err)
	}
	for i, row := range b.d.Features {
		b.scores[i] += float64(tree.Predict(row))
	}
	return tree, nil
}

// computeGradients computes LambdaRank gradients and hessians group by group.
//
//	λ_ij = σ |ΔNDCG_ij| / (1 + exp(σ (s_i - s_j)))
func (b *booster) computeGradients(ctx context.Context) error {
	sigmoid := b.m.sigmoid
	return parallel.Parallel(ctx, b.d.CountGroups(), b.jobs, func(_, g int) error {
		group := b.d.Groups[g]
		n := group.Len()
		labels := b.d.Labels[group.Begin:group.End]
		scores := b.scores[group.Begin:group.End]
		grad := b.grad[group.Begin:group.End]
		hess := b.hess[group.Begin:group.End]
		for i := range grad {
			grad[i], hess[i] = 0, 0
		}
		if b.invMaxDCG[g] == 0 {
			return nil
		}
		// positions under current scores
		order := lo.Range(n)
		sort.SliceStable(order, func(i, j int) bool { return scores[order[i]] > scores[order[j]] })
		position := make([]int, n)
		for p, i := range order {
			position[i] = p
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if labels[i] <= labels[j] {
					continue
				}
				delta := math.Abs((gain(b.m.labelGain, labels[i])-gain(b.m.labelGain, labels[j]))*
					(discount(position[i])-discount(position[j]))) * b.invMaxDCG[g]
				rho := 1 / (1 + math.Exp(sigmoid*(scores[i]-scores[j])))
				lambda := sigmoid * rho * delta
				h := sigmoid * sigmoid * rho * (1 - rho) * delta
				grad[i] -= lambda
				grad[j] += lambda
				hess[i] += h
				hess[j] += h
			}
		}
		return nil
	})
}

// bagging samples groups so that rows of a user are kept together.
func (b *booster) bagging() {
	numGroups := max(1, int(math.Round(b.m.baggingFraction*float64(b.d.CountGroups()))))
	mask := bitset.New(uint(b.d.Count()))
	for _, g := range b.rng.Perm(b.d.CountGroups())[:numGroups] {
		for i := b.d.Groups[g].Begin; i < b.d.Groups[g].End; i++ {
			mask.Set(uint(i))
		}
	}
	b.bag = b.bag[:0]
	for i, ok := mask.NextSet(0); ok; i, ok = mask.NextSet(i + 1) {
		b.bag = append(b.bag, int(i))
	}
}

func (b *booster) sampleFeatures() []int {
	numFeatures := len(b.d.Columns)
	n := lo.Clamp(int(math.Round(b.m.featureFraction*float64(numFeatures))), 1, numFeatures)
	if n == numFeatures {
		return lo.Range(numFeatures)
	}
	features := b.rng.Perm(numFeatures)[:n]
	sort.Ints(features)
	return features
}

type split struct {
	feature  int
	bin      int
	leftBins []int // categorical only
	gain     float64
}

type leafState struct {
	rows   []int
	depth  int
	sumG   float64
	sumH   float64
	parent int
	isLeft bool
	best   *split
}

func (b *booster) newLeaf(rows []int, depth, parent int, isLeft bool) *leafState {
	l := &leafState{rows: rows, depth: depth, parent: parent, isLeft: isLeft}
	for _, i := range rows {
		l.sumG += b.grad[i]
		l.sumH += b.hess[i]
	}
	return l
}

func (b *booster) leafValue(l *leafState) float32 {
	return float32(-l.sumG / (l.sumH + b.m.lambdaL2) * b.m.lr)
}

func (b *booster) objective(g, h float64) float64 {
	return g * g / (h + b.m.lambdaL2)
}

// growTree grows a tree leaf-wise: the leaf with the largest gain splits first.
func (b *booster) growTree(ctx context.Context, rows []int, features []int) (Tree, error) {
	var tree Tree
	leaves := []*leafState{b.newLeaf(rows, 0, -1, false)}
	if err := b.findBestSplit(ctx, leaves[0], features); err != nil {
		return tree, errors.Trace(err)
	}
	for len(leaves) < b.m.numLeaves {
		target := -1
		for i, l := range leaves {
			if l.best != nil && (target < 0 || l.best.gain > leaves[target].best.gain) {
				target = i
			}
		}
		if target < 0 {
			break
		}
		l := leaves[target]
		s := l.best
		mapper := b.mappers[s.feature]
		node := Node{Feature: s.feature, Left: ^target, Right: ^len(leaves)}
		goLeft := make([]bool, mapper.numBins())
		if mapper.categorical {
			node.Categories = bitset.New(uint(lo.Max(mapper.categories) + 1))
			for _, bin := range s.leftBins {
				goLeft[bin] = true
				node.Categories.Set(uint(mapper.categories[bin]))
			}
		} else {
			node.Threshold = mapper.upper[s.bin]
			for bin := 0; bin <= s.bin; bin++ {
				goLeft[bin] = true
			}
		}
		var leftRows, rightRows []int
		for _, i := range l.rows {
			if goLeft[b.bins[s.feature][i]] {
				leftRows = append(leftRows, i)
			} else {
				rightRows = append(rightRows, i)
			}
		}
		nodeIndex := len(tree.Nodes)
		tree.Nodes = append(tree.Nodes, node)
		if l.parent >= 0 {
			if l.isLeft {
				tree.Nodes[l.parent].Left = nodeIndex
			} else {
				tree.Nodes[l.parent].Right = nodeIndex
			}
		}
		left := b.newLeaf(leftRows, l.depth+1, nodeIndex, true)
		right := b.newLeaf(rightRows, l.depth+1, nodeIndex, false)
		leaves[target] = left
		leaves = append(leaves, right)
		if err := b.findBestSplit(ctx, left, features); err != nil {
			return tree, errors.Trace(err)
		}
		if err := b.findBestSplit(ctx, right, features); err != nil {
			return tree, errors.Trace(err)
		}
	}
	tree.Leaves = lo.Map(leaves, func(l *leafState, _ int) float32 { return b.leafValue(l) })
	return tree, nil
}

// findBestSplit builds histograms of a leaf feature by feature and keeps the best split.
func (b *booster) findBestSplit(ctx context.Context, l *leafState, features []int) error {
	l.best = nil
	if b.m.maxDepth > 0 && l.depth >= b.m.maxDepth {
		return nil
	}
	if len(l.rows) < 2*b.m.minDataInLeaf {
		return nil
	}
	candidates := make([]*split, len(features))
	err := parallel.Parallel(ctx, len(features), b.jobs, func(_, k int) error {
		f := features[k]
		mapper := b.mappers[f]
		numBins := mapper.numBins()
		sumG := make([]float64, numBins)
		sumH := make([]float64, numBins)
		count := make([]int, numBins)
		for _, i := range l.rows {
			bin := b.bins[f][i]
			sumG[bin] += b.grad[i]
			sumH[bin] += b.hess[i]
			count[bin]++
		}
		// bins in scan order
		order := lo.Range(numBins)
		if mapper.categorical {
			order = lo.Filter(order, func(bin int, _ int) bool { return count[bin] > 0 })
			sort.SliceStable(order, func(i, j int) bool {
				return sumG[order[i]]/(sumH[order[i]]+b.m.lambdaL2) < sumG[order[j]]/(sumH[order[j]]+b.m.lambdaL2)
			})
		}
		parent := b.objective(l.sumG, l.sumH)
		var (
			leftG, leftH float64
			leftCount    int
			best         *split
		)
		for p := 0; p < len(order)-1; p++ {
			bin := order[p]
			leftG += sumG[bin]
			leftH += sumH[bin]
			leftCount += count[bin]
			rightG, rightH, rightCount := l.sumG-leftG, l.sumH-leftH, len(l.rows)-leftCount
			if leftCount < b.m.minDataInLeaf || rightCount < b.m.minDataInLeaf {
				continue
			}
			if leftH < b.m.minSumHessian || rightH < b.m.minSumHessian {
				continue
			}
			gain := b.objective(leftG, leftH) + b.objective(rightG, rightH) - parent
			if gain <= b.m.minGainToSplit || gain <= 1e-12 {
				continue
			}
			if best == nil || gain > best.gain {
				best = &split{feature: f, bin: bin, gain: gain}
				if mapper.categorical {
					best.leftBins = append([]int(nil), order[:p+1]...)
				}
			}
		}
		candidates[k] = best
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	for _, candidate := range candidates {
		if candidate != nil && (l.best == nil || candidate.gain > l.best.gain) {
			l.best = candidate
		}
	}
	return nil
}
