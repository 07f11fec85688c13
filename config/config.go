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

package config

import (
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/go-viper/mapstructure/v2"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/storage"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	CurveLinear      = "linear"
	CurveExponential = "exponential"
)

// Config is the configuration for the engine.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Server    ServerConfig    `mapstructure:"server"`
	Master    MasterConfig    `mapstructure:"master"`
	Feature   FeatureConfig   `mapstructure:"feature"`
	Labeler   LabelerConfig   `mapstructure:"labeler"`
	Ranker    RankerConfig    `mapstructure:"ranker"`
	Evaluate  EvaluateConfig  `mapstructure:"evaluate"`
	Recommend RecommendConfig `mapstructure:"recommend"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// DatabaseConfig is the configuration for the data store and the model registry.
type DatabaseConfig struct {
	DataStore   string `mapstructure:"data_store" validate:"required,data_store"`
	MetaStore   string `mapstructure:"meta_store" validate:"required,meta_store"`
	TablePrefix string `mapstructure:"table_prefix"`
}

// BlobConfig locates model artifacts. URI is a local directory or one of
// s3://bucket/prefix, gs://bucket/prefix and azblob://container/prefix.
type BlobConfig struct {
	URI   string          `mapstructure:"uri" validate:"required"`
	S3    S3Config        `mapstructure:"s3"`
	GCS   GCSConfig       `mapstructure:"gcs"`
	Azure AzureBlobConfig `mapstructure:"azure"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

type GCSConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

type AzureBlobConfig struct {
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Endpoint         string `mapstructure:"endpoint"`
}

type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port" validate:"gte=0"`
	APIKey           string        `mapstructure:"api_key"`
	DefaultN         int           `mapstructure:"default_n" validate:"gt=0"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	ModelCheckPeriod time.Duration `mapstructure:"model_check_period" validate:"gt=0"`
}

type MasterConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port" validate:"gte=0"`
	Jobs          int           `mapstructure:"jobs" validate:"gt=0"`
	TrainPeriod   time.Duration `mapstructure:"train_period" validate:"gt=0"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gt=0"`
	SkipUnlocated bool          `mapstructure:"skip_unlocated"`
}

type FeatureConfig struct {
	ProximityScale float64 `mapstructure:"proximity_scale" validate:"gt=0"`
}

// LabelerConfig controls the synthetic relevance labels.
type LabelerConfig struct {
	Curve             string  `mapstructure:"curve" validate:"oneof=linear exponential"`
	Intercept         float64 `mapstructure:"intercept" validate:"gt=0"`
	Divisor           float64 `mapstructure:"divisor" validate:"gt=0"`
	ServiceBonus      float64 `mapstructure:"service_bonus" validate:"gte=0"`
	BudgetMax         float64 `mapstructure:"budget_max" validate:"gte=0"`
	BudgetDivisor     float64 `mapstructure:"budget_divisor" validate:"gt=0"`
	ExperienceDivisor float64 `mapstructure:"experience_divisor" validate:"gt=0"`
	ExperienceCap     float64 `mapstructure:"experience_cap" validate:"gte=0"`
	NoiseStdDev       float64 `mapstructure:"noise_std_dev" validate:"gte=0"`
	JitterFraction    float64 `mapstructure:"jitter_fraction" validate:"gt=0,lte=1"`
	RandomState       int64   `mapstructure:"random_state"`
}

// RankerConfig holds the hyper-parameters of the boosted ranker.
type RankerConfig struct {
	LearningRate        float64   `mapstructure:"learning_rate" validate:"gt=0"`
	NumRounds           int       `mapstructure:"num_rounds" validate:"gt=0"`
	NumLeaves           int       `mapstructure:"num_leaves" validate:"gt=1"`
	MaxDepth            int       `mapstructure:"max_depth"`
	MinDataInLeaf       int       `mapstructure:"min_data_in_leaf" validate:"gt=0"`
	MinSumHessian       float64   `mapstructure:"min_sum_hessian" validate:"gte=0"`
	MinGainToSplit      float64   `mapstructure:"min_gain_to_split" validate:"gte=0"`
	LambdaL2            float64   `mapstructure:"lambda_l2" validate:"gte=0"`
	FeatureFraction     float64   `mapstructure:"feature_fraction" validate:"gt=0,lte=1"`
	BaggingFraction     float64   `mapstructure:"bagging_fraction" validate:"gt=0,lte=1"`
	BaggingFreq         int       `mapstructure:"bagging_freq" validate:"gte=0"`
	MaxBin              int       `mapstructure:"max_bin" validate:"gt=1,lte=255"`
	Sigmoid             float64   `mapstructure:"sigmoid" validate:"gt=0"`
	LabelGain           []float64 `mapstructure:"label_gain" validate:"len=6"`
	EarlyStoppingRounds int       `mapstructure:"early_stopping_rounds" validate:"gte=0"`
	Verbose             int       `mapstructure:"verbose" validate:"gt=0"`
	ValidFraction       float64   `mapstructure:"valid_fraction" validate:"gt=0,lt=1"`
	RandomState         int64     `mapstructure:"random_state"`
	SearchTrials        int       `mapstructure:"search_trials" validate:"gte=0"`
}

// EvaluateConfig controls offline metrics and the deployment gate.
type EvaluateConfig struct {
	EvalAt             []int   `mapstructure:"eval_at" validate:"min=1,dive,gt=0"`
	RelevanceThreshold int     `mapstructure:"relevance_threshold" validate:"gte=0,lte=5"`
	GateAt             int     `mapstructure:"gate_at" validate:"gt=0"`
	MinNDCG            float64 `mapstructure:"min_ndcg" validate:"gte=0,lte=1"`
	MinMAP             float64 `mapstructure:"min_map" validate:"gte=0,lte=1"`
}

type RecommendConfig struct {
	ColdStart ColdStartWeights `mapstructure:"cold_start"`
	Warm      WarmWeights      `mapstructure:"warm"`
}

type ColdStartWeights struct {
	Proximity float64 `mapstructure:"proximity" validate:"gte=0"`
	Quality   float64 `mapstructure:"quality" validate:"gte=0"`
	Cost      float64 `mapstructure:"cost" validate:"gte=0"`
}

type WarmWeights struct {
	Proximity      float64 `mapstructure:"proximity" validate:"gte=0"`
	ServiceMatch   float64 `mapstructure:"service_match" validate:"gte=0"`
	Popularity     float64 `mapstructure:"popularity" validate:"gte=0"`
	RepeatAffinity float64 `mapstructure:"repeat_affinity" validate:"gte=0"`
	Cost           float64 `mapstructure:"cost" validate:"gte=0"`
	Quality        float64 `mapstructure:"quality" validate:"gte=0"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataStore: "sqlite://nearby.db",
			MetaStore: "sqlite://nearby_meta.db",
		},
		Blob: BlobConfig{
			URI: "models",
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8087,
			DefaultN:         10,
			FetchTimeout:     5 * time.Second,
			ModelCheckPeriod: time.Minute,
		},
		Master: MasterConfig{
			Host:        "0.0.0.0",
			Port:        8088,
			Jobs:        runtime.NumCPU(),
			TrainPeriod: 24 * time.Hour,
			BatchSize:   1024,
		},
		Feature: FeatureConfig{
			ProximityScale: 10,
		},
		Labeler: LabelerConfig{
			Curve:             CurveLinear,
			Intercept:         5,
			Divisor:           10,
			ServiceBonus:      1.5,
			BudgetMax:         2,
			BudgetDivisor:     900,
			ExperienceDivisor: 3,
			ExperienceCap:     1.5,
			NoiseStdDev:       0.6,
			JitterFraction:    0.1,
			RandomState:       42,
		},
		Ranker: RankerConfig{
			LearningRate:        0.05,
			NumRounds:           500,
			NumLeaves:           15,
			MaxDepth:            4,
			MinDataInLeaf:       20,
			MinSumHessian:       1e-3,
			MinGainToSplit:      0,
			LambdaL2:            1,
			FeatureFraction:     0.8,
			BaggingFraction:     0.8,
			BaggingFreq:         5,
			MaxBin:              63,
			Sigmoid:             1,
			LabelGain:           []float64{0, 1, 2, 3, 4, 5},
			EarlyStoppingRounds: 50,
			Verbose:             10,
			ValidFraction:       0.2,
			RandomState:         42,
			SearchTrials:        20,
		},
		Evaluate: EvaluateConfig{
			EvalAt:             []int{1, 3, 5},
			RelevanceThreshold: 3,
			GateAt:             5,
			MinNDCG:            0,
			MinMAP:             0,
		},
		Recommend: RecommendConfig{
			ColdStart: ColdStartWeights{
				Proximity: 0.7,
				Quality:   0.2,
				Cost:      0.1,
			},
			Warm: WarmWeights{
				Proximity:      0.4,
				ServiceMatch:   0.2,
				Popularity:     0.15,
				RepeatAffinity: 0.1,
				Cost:           0.05,
				Quality:        0.1,
			},
		},
		Tracing: TracingConfig{
			Exporter: ExporterOTLP,
			Sampler:  SamplerAlways,
			Ratio:    1,
		},
	}
}

func setDefault() {
	defaultConfig := GetDefaultConfig()
	// [database]
	viper.SetDefault("database.data_store", defaultConfig.Database.DataStore)
	viper.SetDefault("database.meta_store", defaultConfig.Database.MetaStore)
	// [blob]
	viper.SetDefault("blob.uri", defaultConfig.Blob.URI)
	// [server]
	viper.SetDefault("server.host", defaultConfig.Server.Host)
	viper.SetDefault("server.port", defaultConfig.Server.Port)
	viper.SetDefault("server.default_n", defaultConfig.Server.DefaultN)
	viper.SetDefault("server.fetch_timeout", defaultConfig.Server.FetchTimeout)
	viper.SetDefault("server.model_check_period", defaultConfig.Server.ModelCheckPeriod)
	// [master]
	viper.SetDefault("master.host", defaultConfig.Master.Host)
	viper.SetDefault("master.port", defaultConfig.Master.Port)
	viper.SetDefault("master.jobs", defaultConfig.Master.Jobs)
	viper.SetDefault("master.train_period", defaultConfig.Master.TrainPeriod)
	viper.SetDefault("master.batch_size", defaultConfig.Master.BatchSize)
	// [feature]
	viper.SetDefault("feature.proximity_scale", defaultConfig.Feature.ProximityScale)
	// [labeler]
	viper.SetDefault("labeler.curve", defaultConfig.Labeler.Curve)
	viper.SetDefault("labeler.intercept", defaultConfig.Labeler.Intercept)
	viper.SetDefault("labeler.divisor", defaultConfig.Labeler.Divisor)
	viper.SetDefault("labeler.service_bonus", defaultConfig.Labeler.ServiceBonus)
	viper.SetDefault("labeler.budget_max", defaultConfig.Labeler.BudgetMax)
	viper.SetDefault("labeler.budget_divisor", defaultConfig.Labeler.BudgetDivisor)
	viper.SetDefault("labeler.experience_divisor", defaultConfig.Labeler.ExperienceDivisor)
	viper.SetDefault("labeler.experience_cap", defaultConfig.Labeler.ExperienceCap)
	viper.SetDefault("labeler.noise_std_dev", defaultConfig.Labeler.NoiseStdDev)
	viper.SetDefault("labeler.jitter_fraction", defaultConfig.Labeler.JitterFraction)
	viper.SetDefault("labeler.random_state", defaultConfig.Labeler.RandomState)
	// [ranker]
	viper.SetDefault("ranker.learning_rate", defaultConfig.Ranker.LearningRate)
	viper.SetDefault("ranker.num_rounds", defaultConfig.Ranker.NumRounds)
	viper.SetDefault("ranker.num_leaves", defaultConfig.Ranker.NumLeaves)
	viper.SetDefault("ranker.max_depth", defaultConfig.Ranker.MaxDepth)
	viper.SetDefault("ranker.min_data_in_leaf", defaultConfig.Ranker.MinDataInLeaf)
	viper.SetDefault("ranker.min_sum_hessian", defaultConfig.Ranker.MinSumHessian)
	viper.SetDefault("ranker.min_gain_to_split", defaultConfig.Ranker.MinGainToSplit)
	viper.SetDefault("ranker.lambda_l2", defaultConfig.Ranker.LambdaL2)
	viper.SetDefault("ranker.feature_fraction", defaultConfig.Ranker.FeatureFraction)
	viper.SetDefault("ranker.bagging_fraction", defaultConfig.Ranker.BaggingFraction)
	viper.SetDefault("ranker.bagging_freq", defaultConfig.Ranker.BaggingFreq)
	viper.SetDefault("ranker.max_bin", defaultConfig.Ranker.MaxBin)
	viper.SetDefault("ranker.sigmoid", defaultConfig.Ranker.Sigmoid)
	viper.SetDefault("ranker.label_gain", defaultConfig.Ranker.LabelGain)
	viper.SetDefault("ranker.early_stopping_rounds", defaultConfig.Ranker.EarlyStoppingRounds)
	viper.SetDefault("ranker.verbose", defaultConfig.Ranker.Verbose)
	viper.SetDefault("ranker.valid_fraction", defaultConfig.Ranker.ValidFraction)
	viper.SetDefault("ranker.random_state", defaultConfig.Ranker.RandomState)
	viper.SetDefault("ranker.search_trials", defaultConfig.Ranker.SearchTrials)
	// [evaluate]
	viper.SetDefault("evaluate.eval_at", defaultConfig.Evaluate.EvalAt)
	viper.SetDefault("evaluate.relevance_threshold", defaultConfig.Evaluate.RelevanceThreshold)
	viper.SetDefault("evaluate.gate_at", defaultConfig.Evaluate.GateAt)
	viper.SetDefault("evaluate.min_ndcg", defaultConfig.Evaluate.MinNDCG)
	viper.SetDefault("evaluate.min_map", defaultConfig.Evaluate.MinMAP)
	// [recommend.cold_start]
	viper.SetDefault("recommend.cold_start.proximity", defaultConfig.Recommend.ColdStart.Proximity)
	viper.SetDefault("recommend.cold_start.quality", defaultConfig.Recommend.ColdStart.Quality)
	viper.SetDefault("recommend.cold_start.cost", defaultConfig.Recommend.ColdStart.Cost)
	// [recommend.warm]
	viper.SetDefault("recommend.warm.proximity", defaultConfig.Recommend.Warm.Proximity)
	viper.SetDefault("recommend.warm.service_match", defaultConfig.Recommend.Warm.ServiceMatch)
	viper.SetDefault("recommend.warm.popularity", defaultConfig.Recommend.Warm.Popularity)
	viper.SetDefault("recommend.warm.repeat_affinity", defaultConfig.Recommend.Warm.RepeatAffinity)
	viper.SetDefault("recommend.warm.cost", defaultConfig.Recommend.Warm.Cost)
	viper.SetDefault("recommend.warm.quality", defaultConfig.Recommend.Warm.Quality)
	// [tracing]
	viper.SetDefault("tracing.exporter", defaultConfig.Tracing.Exporter)
	viper.SetDefault("tracing.sampler", defaultConfig.Tracing.Sampler)
	viper.SetDefault("tracing.ratio", defaultConfig.Tracing.Ratio)
}

type configBinding struct {
	key string
	env string
}

// LoadConfig loads configuration from toml file and environment variables.
func LoadConfig(path string) (*Config, error) {
	// set default config
	setDefault()

	// bind environment bindings
	bindings := []configBinding{
		{"database.data_store", "NEARBY_DATA_STORE"},
		{"database.meta_store", "NEARBY_META_STORE"},
		{"database.table_prefix", "NEARBY_TABLE_PREFIX"},
		{"blob.uri", "NEARBY_BLOB_URI"},
		{"blob.s3.endpoint", "NEARBY_S3_ENDPOINT"},
		{"blob.s3.access_key_id", "NEARBY_S3_ACCESS_KEY_ID"},
		{"blob.s3.secret_access_key", "NEARBY_S3_SECRET_ACCESS_KEY"},
		{"blob.gcs.credentials_file", "NEARBY_GCS_CREDENTIALS_FILE"},
		{"blob.azure.account_name", "NEARBY_AZURE_ACCOUNT_NAME"},
		{"blob.azure.account_key", "NEARBY_AZURE_ACCOUNT_KEY"},
		{"blob.azure.connection_string", "NEARBY_AZURE_CONNECTION_STRING"},
		{"server.host", "NEARBY_SERVER_HOST"},
		{"server.port", "NEARBY_SERVER_PORT"},
		{"server.api_key", "NEARBY_SERVER_API_KEY"},
		{"master.host", "NEARBY_MASTER_HOST"},
		{"master.port", "NEARBY_MASTER_PORT"},
		{"master.jobs", "NEARBY_MASTER_JOBS"},
	}
	for _, binding := range bindings {
		err := viper.BindEnv(binding.key, binding.env)
		if err != nil {
			log.Logger().Fatal("failed to bind a Viper key to a ENV variable", zap.Error(err))
		}
	}

	// load config file
	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, errors.Trace(err)
		}
	}

	// unmarshal config file
	var conf Config
	if err := viper.Unmarshal(&conf, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, errors.Trace(err)
	}

	// validate config file
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}

// Validate checks every section and reports all violations in English.
func (config *Config) Validate() error {
	english := en.New()
	uni := ut.New(english, english)
	trans, _ := uni.GetTranslator("en")
	validate := validator.New()
	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		return errors.Trace(err)
	}
	if err := validate.RegisterValidation("data_store", func(fl validator.FieldLevel) bool {
		return hasPrefix(fl.Field().String(), storage.MySQLPrefix, storage.PostgresPrefix,
			storage.PostgreSQLPrefix, storage.SQLitePrefix)
	}); err != nil {
		return errors.Trace(err)
	}
	if err := validate.RegisterValidation("meta_store", func(fl validator.FieldLevel) bool {
		return hasPrefix(fl.Field().String(), storage.SQLitePrefix, storage.RedisPrefix, storage.RedissPrefix)
	}); err != nil {
		return errors.Trace(err)
	}
	err := validate.Struct(config)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			messages := lo.Map(validationErrors, func(e validator.FieldError, _ int) string {
				return e.Translate(trans)
			})
			return errors.NotValidf("config: %s", strings.Join(messages, "; "))
		}
		return errors.Trace(err)
	}
	// the recommendation weights are blended, not normalized
	if config.Recommend.ColdStart == (ColdStartWeights{}) {
		return errors.NotValidf("recommend.cold_start: all weights are zero")
	}
	if config.Recommend.Warm == (WarmWeights{}) {
		return errors.NotValidf("recommend.warm: all weights are zero")
	}
	return nil
}

// MaxEvalAt returns the largest cutoff used for early stopping.
func (config *EvaluateConfig) MaxEvalAt() int {
	return lo.Max(config.EvalAt)
}

func hasPrefix(s string, prefixes ...string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
