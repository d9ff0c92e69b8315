// Package config holds the explicit configuration object passed into every
// agipredict component. Values are layered: Default, then an optional YAML
// file, then AGI_* environment variables, then validation.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/agipredict/pkg/errors"
)

// EnvPrefix is the prefix of every environment override, e.g.
// AGI_TRAINING_RANDOM_SEED=7.
const EnvPrefix = "AGI"

// Early stopping validation sources.
const (
	EarlyStoppingValidation = "validation"
	EarlyStoppingTest       = "test"
)

// Config is the complete configuration of a training, interpretation or
// serving run.
type Config struct {
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	Features  FeaturesConfig  `yaml:"features" envconfig:"FEATURES"`
	Training  TrainingConfig  `yaml:"training" envconfig:"TRAINING"`
	Interpret InterpretConfig `yaml:"interpret" envconfig:"INTERPRET"`
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Log       LogConfig       `yaml:"log" envconfig:"LOG"`
}

// PathsConfig locates input data and output artifacts.
type PathsConfig struct {
	DataFile     string `yaml:"data_file" split_words:"true" validate:"required"`
	ModelsDir    string `yaml:"models_dir" split_words:"true" validate:"required"`
	PipelineFile string `yaml:"pipeline_file" split_words:"true" validate:"required"`
	ModelFile    string `yaml:"model_file" split_words:"true" validate:"required"`
	ReportsDir   string `yaml:"reports_dir" split_words:"true" validate:"required"`
	// StoreDSN is the SQLite file of the run store. Empty disables the store.
	StoreDSN string `yaml:"store_dsn" envconfig:"STORE_DSN"`
}

// FeaturesConfig drives the FeatureEngineer.
type FeaturesConfig struct {
	TargetColumn         string   `yaml:"target_column" split_words:"true" validate:"required"`
	DropMissingThreshold float64  `yaml:"drop_missing_threshold" split_words:"true" validate:"gt=0,lte=1"`
	WarnMissingThreshold float64  `yaml:"warn_missing_threshold" split_words:"true" validate:"gt=0,lte=1"`
	IncludeSpatial       bool     `yaml:"include_spatial" split_words:"true"`
	SpatialNeighbors     int      `yaml:"spatial_neighbors" split_words:"true" validate:"min=1"`
	SpatialVariables     []string `yaml:"spatial_variables" split_words:"true"`
	LatitudeColumn       string   `yaml:"latitude_column" split_words:"true" validate:"required"`
	LongitudeColumn      string   `yaml:"longitude_column" split_words:"true" validate:"required"`
	GroupColumn          string   `yaml:"group_column" split_words:"true"`
	IdentifierColumns    []string `yaml:"identifier_columns" split_words:"true"`
	ExcludeColumns       []string `yaml:"exclude_columns" split_words:"true"`
}

// TrainingConfig drives the ModelTrainer.
type TrainingConfig struct {
	RandomSeed          uint64        `yaml:"random_seed" split_words:"true"`
	TestSize            float64       `yaml:"test_size" split_words:"true" validate:"gt=0,lt=1"`
	CVFolds             int           `yaml:"cv_folds" envconfig:"CV_FOLDS" validate:"min=2"`
	NTrials             int           `yaml:"n_trials" envconfig:"N_TRIALS" validate:"min=1"`
	TuneTrials          int           `yaml:"tune_trials" split_words:"true" validate:"min=1"`
	TuneTimeout         time.Duration `yaml:"tune_timeout" split_words:"true" validate:"gt=0"`
	EarlyStoppingRounds int           `yaml:"early_stopping_rounds" split_words:"true" validate:"min=0"`
	EarlyStoppingSource string        `yaml:"early_stopping_source" split_words:"true" validate:"oneof=validation test"`
	ValidationFraction  float64       `yaml:"validation_fraction" split_words:"true" validate:"gt=0,lt=1"`
}

// InterpretConfig drives the explainer.
type InterpretConfig struct {
	NRepeats       int `yaml:"n_repeats" envconfig:"N_REPEATS" validate:"min=1"`
	SHAPSampleSize int `yaml:"shap_sample_size" envconfig:"SHAP_SAMPLE_SIZE" validate:"min=1"`
	BackgroundSize int `yaml:"background_size" split_words:"true" validate:"min=1"`
	TopN           int `yaml:"top_n" envconfig:"TOP_N" validate:"min=1"`
}

// ServerConfig configures the prediction API.
type ServerConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout" split_words:"true" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" split_words:"true" validate:"gt=0"`
}

// LogConfig configures pkg/log.Setup.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			DataFile:     filepath.Join("data", "processed", "merged.csv"),
			ModelsDir:    "models",
			PipelineFile: filepath.Join("models", "feature_pipeline.gob"),
			ModelFile:    filepath.Join("models", "best_model.gob"),
			ReportsDir:   "reports",
			StoreDSN:     filepath.Join("reports", "runs.db"),
		},
		Features: FeaturesConfig{
			TargetColumn:         "avg_agi_per_return",
			DropMissingThreshold: 0.8,
			WarnMissingThreshold: 0.5,
			SpatialNeighbors:     5,
			SpatialVariables: []string{
				"avg_agi_per_return", "median_household_income",
				"unemployment_rate", "poverty_rate",
			},
			LatitudeColumn:    "latitude",
			LongitudeColumn:   "longitude",
			GroupColumn:       "state_fips",
			IdentifierColumns: []string{"zipcode", "fips", "county_fips", "state_fips", "county_name", "geo_level", "geo"},
			ExcludeColumns: []string{
				"zipcode", "fips", "county_fips", "state_fips", "county_name",
				"geo_level", "geometry", "geo", "latitude", "longitude",
			},
		},
		Training: TrainingConfig{
			RandomSeed:          42,
			TestSize:            0.2,
			CVFolds:             5,
			NTrials:             100,
			TuneTrials:          50,
			TuneTimeout:         time.Hour,
			EarlyStoppingRounds: 10,
			EarlyStoppingSource: EarlyStoppingValidation,
			ValidationFraction:  0.1,
		},
		Interpret: InterpretConfig{
			NRepeats:       10,
			SHAPSampleSize: 100,
			BackgroundSize: 50,
			TopN:           20,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds a Config from the defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load config from env")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile decodes the YAML file on top of the current values; keys absent
// from the file keep their current value.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewDataNotFoundError("config file", path)
		}
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.NewValidationError(fe.Namespace(), "failed '"+fe.Tag()+"' rule", fe.Value())
		}
		return errors.Wrap(err, "config validation failed")
	}
	if c.Features.WarnMissingThreshold >= c.Features.DropMissingThreshold {
		return errors.NewValidationError("Features.WarnMissingThreshold",
			"must be below Features.DropMissingThreshold", c.Features.WarnMissingThreshold)
	}
	return nil
}

// ExcludeSet returns the columns never used as model features: the
// configured exclusions plus the target.
func (c *Config) ExcludeSet() map[string]bool {
	out := make(map[string]bool, len(c.Features.ExcludeColumns)+1)
	for _, col := range c.Features.ExcludeColumns {
		out[col] = true
	}
	out[c.Features.TargetColumn] = true
	return out
}

// ResultsFile is the JSON evaluation report path.
func (c *Config) ResultsFile() string {
	return filepath.Join(c.Paths.ReportsDir, "model_results.json")
}

// ImportanceDir is the directory of the feature importance reports.
func (c *Config) ImportanceDir() string {
	return filepath.Join(c.Paths.ReportsDir, "feature_importance")
}
