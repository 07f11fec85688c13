// Copyright 2020 gorse Project Authors
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

package model

import (
	"reflect"

	"github.com/gorse-io/nearby/common/log"
	"go.uber.org/zap"
)

/* ParamName */

// ParamName is the type of hyper-parameter names.
type ParamName string

// Predefined hyper-parameter names
const (
	Lr              ParamName = "Lr"              // learning rate (shrinkage)
	NumRounds       ParamName = "NumRounds"       // number of boosting rounds
	NumLeaves       ParamName = "NumLeaves"       // max number of leaves per tree
	MaxDepth        ParamName = "MaxDepth"        // max depth per tree, <= 0 for unlimited
	MinDataInLeaf   ParamName = "MinDataInLeaf"   // min number of rows in a leaf
	MinSumHessian   ParamName = "MinSumHessian"   // min sum of hessians in a leaf
	MinGainToSplit  ParamName = "MinGainToSplit"  // min gain to perform a split
	LambdaL2        ParamName = "LambdaL2"        // L2 regularization on leaf values
	FeatureFraction ParamName = "FeatureFraction" // fraction of features per tree
	BaggingFraction ParamName = "BaggingFraction" // fraction of groups per bagging
	BaggingFreq     ParamName = "BaggingFreq"     // rounds between bagging, 0 to disable
	MaxBin          ParamName = "MaxBin"          // max number of bins per feature
	Sigmoid         ParamName = "Sigmoid"         // sigmoid parameter of lambdarank
	LabelGain       ParamName = "LabelGain"       // gain of each relevance grade
	RandomState     ParamName = "RandomState"     // random state (seed)
)

// Params stores hyper-parameters for an model. It is a map between strings
// (names) and interface{}s (values). For example, hyper-parameters for the
// ranker is given by:
//
//	model.Params{
//		model.Lr:        0.05,
//		model.NumRounds: 500,
//		model.NumLeaves: 15,
//	}
type Params map[ParamName]interface{}

// Copy hyper-parameters.
func (parameters Params) Copy() Params {
	newParams := make(Params)
	for k, v := range parameters {
		newParams[k] = v
	}
	return newParams
}

// GetInt gets a integer parameter by name. Returns _default if not exists or type doesn't match.
func (parameters Params) GetInt(name ParamName, _default int) int {
	if val, exist := parameters[name]; exist {
		switch val := val.(type) {
		case int:
			return val
		case int64:
			return int(val)
		case float64:
			// decoded from JSON
			if val == float64(int(val)) {
				return int(val)
			}
		}
		log.Logger().Error("type mismatch", zap.String("param", string(name)),
			zap.String("expect", "int"), zap.Stringer("actual", reflect.TypeOf(val)))
	}
	return _default
}

// GetInt64 gets a int64 parameter by name. Returns _default if not exists or type doesn't match. The
// type will be converted if given int.
func (parameters Params) GetInt64(name ParamName, _default int64) int64 {
	if val, exist := parameters[name]; exist {
		switch val := val.(type) {
		case int64:
			return val
		case int:
			return int64(val)
		case float64:
			if val == float64(int64(val)) {
				return int64(val)
			}
		}
		log.Logger().Error("type mismatch", zap.String("param", string(name)),
			zap.String("expect", "int64"), zap.Stringer("actual", reflect.TypeOf(val)))
	}
	return _default
}

// GetFloat64 gets a float64 parameter by name. Returns _default if not exists or type doesn't match.
func (parameters Params) GetFloat64(name ParamName, _default float64) float64 {
	if val, exist := parameters[name]; exist {
		switch val := val.(type) {
		case float64:
			return val
		case float32:
			return float64(val)
		case int:
			return float64(val)
		default:
			log.Logger().Error("type mismatch", zap.String("param", string(name)),
				zap.String("expect", "float64"), zap.Stringer("actual", reflect.TypeOf(val)))
		}
	}
	return _default
}

// GetFloat64s gets a float64 slice parameter by name.
func (parameters Params) GetFloat64s(name ParamName, _default []float64) []float64 {
	if val, exist := parameters[name]; exist {
		switch val := val.(type) {
		case []float64:
			return val
		case []interface{}:
			values := make([]float64, len(val))
			for i, v := range val {
				f, ok := v.(float64)
				if !ok {
					return _default
				}
				values[i] = f
			}
			return values
		default:
			log.Logger().Error("type mismatch", zap.String("param", string(name)),
				zap.String("expect", "[]float64"), zap.Stringer("actual", reflect.TypeOf(val)))
		}
	}
	return _default
}

// Overwrite returns parameters merged with params. Values in params win.
func (parameters Params) Overwrite(params Params) Params {
	merged := make(Params)
	for k, v := range parameters {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

// ZapFields lists parameters for logging.
func (parameters Params) ZapFields() []zap.Field {
	fields := make([]zap.Field, 0, len(parameters))
	for k, v := range parameters {
		fields = append(fields, zap.Any(string(k), v))
	}
	return fields
}
