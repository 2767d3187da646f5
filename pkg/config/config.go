// Package config loads the audioclassifier configuration file.
//
// The file is organised in sections (paths, features, dataset, callbacks, cnn, lstm and output). It can be
// written in any format supported by viper (YAML, JSON, TOML), and every key can be overridden by an
// environment variable prefixed by AUDIOCLASSIFIER_, with "." replaced by "_" (e.g. AUDIOCLASSIFIER_CNN_EPOCHS).
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

// EnvPrefix is the prefix of environment variables that override configuration values.
const EnvPrefix = "AUDIOCLASSIFIER"

// Config holds the whole configuration.
type Config struct {
	Paths     Paths     `mapstructure:"paths"`
	Features  Features  `mapstructure:"features"`
	Dataset   Dataset   `mapstructure:"dataset"`
	Callbacks Callbacks `mapstructure:"callbacks"`
	CNN       CNN       `mapstructure:"cnn"`
	LSTM      LSTM      `mapstructure:"lstm"`
	Output    Output    `mapstructure:"output"`

	// v is the viper instance the configuration was read from, used to write it back.
	v *viper.Viper
}

// Paths configure where inputs and artifacts live.
type Paths struct {
	// AudioDir holds one sub-directory per class, each with .wav files.
	AudioDir string `mapstructure:"audio_dir"`

	// FeaturesDir holds the per-file extracted features and the index.
	FeaturesDir string `mapstructure:"features_dir"`

	// DatasetDir holds the split datasets (train, test and validation).
	DatasetDir string `mapstructure:"dataset_dir"`

	// OutputDir is where the final weights are saved.
	OutputDir string `mapstructure:"output_dir"`
}

// Features configure the audio feature extraction.
type Features struct {
	SampleRate       int           `mapstructure:"sample_rate"`
	WindowSize       int           `mapstructure:"window_size"`
	HopSize          int           `mapstructure:"hop_size"`
	MelBins          int           `mapstructure:"mel_bins"`
	MFCCCoefficients int           `mapstructure:"mfcc_coefficients"`
	MinFrequency     float64       `mapstructure:"min_frequency"`
	MaxFrequency     float64       `mapstructure:"max_frequency"`
	MaxDuration      time.Duration `mapstructure:"max_duration"`
	NumWorkers       int           `mapstructure:"num_workers"`
}

// Dataset configures how stored features are split.
type Dataset struct {
	TestSize       float64 `mapstructure:"test_size"`
	ValidationSize float64 `mapstructure:"validation_size"`

	// Frames is the fixed number of frames of every example. If 0, the longest file is used.
	Frames   int   `mapstructure:"frames"`
	Seed     int64 `mapstructure:"seed"`
	Stratify bool  `mapstructure:"stratify"`
}

// Callbacks configure monitoring during training.
type Callbacks struct {
	LogDir               string        `mapstructure:"log_dir"`
	WritePlots           bool          `mapstructure:"write_plots"`
	WriteMetrics         bool          `mapstructure:"write_metrics"`
	EarlyStoppingMonitor string        `mapstructure:"early_stopping_monitor"`
	EarlyStoppingMode    string        `mapstructure:"early_stopping_mode"`
	LoadCheckpoint       bool          `mapstructure:"load_checkpoint"`
	CheckpointDir        string        `mapstructure:"checkpoint_dir"`
	CheckpointKeep       int           `mapstructure:"checkpoint_keep"`
	CheckpointPeriod     time.Duration `mapstructure:"checkpoint_period"`
}

// Training holds the settings common to both models.
type Training struct {
	BatchSize             int     `mapstructure:"batch_size"`
	Epochs                int     `mapstructure:"epochs"`
	EarlyStoppingPatience int     `mapstructure:"early_stopping_patience"`
	Optimizer             string  `mapstructure:"optimizer"`
	LearningRate          float64 `mapstructure:"learning_rate"`
}

// CNN configures the convolutional model training.
type CNN struct {
	Training `mapstructure:",squash"`

	// ModelFile describes the convolutional layers, see models.LoadCNNSpec.
	ModelFile string `mapstructure:"model_file"`
}

// LSTM configures the recurrent model and its training.
type LSTM struct {
	Training `mapstructure:",squash"`

	// ID is a counter used to name the trained models. It is incremented on each training.
	ID            int     `mapstructure:"id"`
	Units         []int   `mapstructure:"units"`
	Dropout       float64 `mapstructure:"dropout"`
	Bidirectional bool    `mapstructure:"bidirectional"`
	DenseUnits    int     `mapstructure:"dense_units"`
}

// Output configures the final artifacts.
type Output struct {
	WeightsFile string `mapstructure:"weights_file"`
}

// SetDefaults sets the default configuration values in v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("paths.audio_dir", "./data/audio")
	v.SetDefault("paths.features_dir", "./data/features")
	v.SetDefault("paths.dataset_dir", "./data/dataset")
	v.SetDefault("paths.output_dir", "./output")

	v.SetDefault("features.sample_rate", 22050)
	v.SetDefault("features.window_size", 2048)
	v.SetDefault("features.hop_size", 512)
	v.SetDefault("features.mel_bins", 128)
	v.SetDefault("features.mfcc_coefficients", 20)
	v.SetDefault("features.min_frequency", 0.0)
	v.SetDefault("features.max_frequency", 0.0)
	v.SetDefault("features.max_duration", "30s")
	v.SetDefault("features.num_workers", 0)

	v.SetDefault("dataset.test_size", 0.1)
	v.SetDefault("dataset.validation_size", 0.1)
	v.SetDefault("dataset.frames", 0)
	v.SetDefault("dataset.seed", 42)
	v.SetDefault("dataset.stratify", true)

	v.SetDefault("callbacks.log_dir", "./logs")
	v.SetDefault("callbacks.write_plots", true)
	v.SetDefault("callbacks.write_metrics", true)
	v.SetDefault("callbacks.early_stopping_monitor", "val_loss")
	v.SetDefault("callbacks.early_stopping_mode", "auto")
	v.SetDefault("callbacks.load_checkpoint", false)
	v.SetDefault("callbacks.checkpoint_dir", "")
	v.SetDefault("callbacks.checkpoint_keep", 3)
	v.SetDefault("callbacks.checkpoint_period", "1m")

	v.SetDefault("cnn.model_file", "./configs/cnn.json")
	v.SetDefault("cnn.batch_size", 32)
	v.SetDefault("cnn.epochs", 100)
	v.SetDefault("cnn.early_stopping_patience", 10)
	v.SetDefault("cnn.optimizer", "sgd")
	v.SetDefault("cnn.learning_rate", 0.001)

	v.SetDefault("lstm.id", 0)
	v.SetDefault("lstm.batch_size", 32)
	v.SetDefault("lstm.epochs", 100)
	v.SetDefault("lstm.early_stopping_patience", 10)
	v.SetDefault("lstm.optimizer", "adam")
	v.SetDefault("lstm.learning_rate", 0.001)
	v.SetDefault("lstm.units", []int{128, 64})
	v.SetDefault("lstm.dropout", 0.2)
	v.SetDefault("lstm.bidirectional", false)
	v.SetDefault("lstm.dense_units", 64)

	v.SetDefault("output.weights_file", "weights")
}

// Default returns the configuration with only default values. It is not attached to any file.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		// Defaults are static, this can only fail on a programming error.
		panic(errors.Wrap(err, "invalid default configuration"))
	}
	return cfg
}

// Flag binds a command line flag to a configuration key. The flag value is used only if it was set.
type Flag struct {
	Key  string
	Flag *pflag.Flag
}

// Load reads the configuration file at path, applying defaults, environment and flags overrides, and validates it.
func Load(path string, flags ...Flag) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "config file %q not found", path)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	for _, f := range flags {
		if f.Flag == nil {
			return nil, errors.Errorf("no flag bound to config key %q", f.Key)
		}
		if err := v.BindPFlag(f.Key, f.Flag); err != nil {
			return nil, errors.Wrapf(err, "failed to bind flag --%s to %q", f.Flag.Name, f.Key)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", path)
	}
	klog.V(1).Infof("Using config file %q", v.ConfigFileUsed())

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid config file %q", path)
	}
	return cfg, nil
}

// File returns the path of the file the configuration was read from, or "" if it was not read from a file.
func (cfg *Config) File() string {
	if cfg.v == nil {
		return ""
	}
	return cfg.v.ConfigFileUsed()
}

// Validate checks the configuration values are consistent.
func (cfg *Config) Validate() error {
	ds := cfg.Dataset
	if ds.TestSize <= 0 || ds.TestSize >= 1 {
		return errors.Errorf("dataset.test_size must be in (0, 1), got %g", ds.TestSize)
	}
	if ds.ValidationSize <= 0 || ds.ValidationSize >= 1 {
		return errors.Errorf("dataset.validation_size must be in (0, 1), got %g", ds.ValidationSize)
	}
	if ds.TestSize+ds.ValidationSize >= 1 {
		return errors.Errorf("dataset.test_size + dataset.validation_size must be < 1, got %g",
			ds.TestSize+ds.ValidationSize)
	}
	if ds.Frames < 0 {
		return errors.Errorf("dataset.frames must be >= 0, got %d", ds.Frames)
	}

	f := cfg.Features
	if f.SampleRate <= 0 || f.WindowSize <= 0 || f.HopSize <= 0 || f.MelBins <= 0 {
		return errors.Errorf("features.sample_rate, window_size, hop_size and mel_bins must be > 0, got %d, %d, %d and %d",
			f.SampleRate, f.WindowSize, f.HopSize, f.MelBins)
	}
	if f.MFCCCoefficients <= 0 || f.MFCCCoefficients > f.MelBins {
		return errors.Errorf("features.mfcc_coefficients must be in [1, mel_bins=%d], got %d",
			f.MelBins, f.MFCCCoefficients)
	}
	if f.MaxFrequency != 0 && f.MaxFrequency <= f.MinFrequency {
		return errors.Errorf("features.max_frequency (%g) must be larger than min_frequency (%g)",
			f.MaxFrequency, f.MinFrequency)
	}

	switch cfg.Callbacks.EarlyStoppingMode {
	case "min", "max", "auto":
	default:
		return errors.Errorf("callbacks.early_stopping_mode must be one of min, max or auto, got %q",
			cfg.Callbacks.EarlyStoppingMode)
	}

	for name, t := range map[string]Training{"cnn": cfg.CNN.Training, "lstm": cfg.LSTM.Training} {
		if t.BatchSize <= 0 {
			return errors.Errorf("%s.batch_size must be > 0, got %d", name, t.BatchSize)
		}
		if t.Epochs <= 0 {
			return errors.Errorf("%s.epochs must be > 0, got %d", name, t.Epochs)
		}
		if t.LearningRate <= 0 {
			return errors.Errorf("%s.learning_rate must be > 0, got %g", name, t.LearningRate)
		}
	}
	if len(cfg.LSTM.Units) == 0 {
		return errors.New("lstm.units must list at least one layer size")
	}
	for _, units := range cfg.LSTM.Units {
		if units <= 0 {
			return errors.Errorf("lstm.units must be all > 0, got %v", cfg.LSTM.Units)
		}
	}
	if cfg.LSTM.Dropout < 0 || cfg.LSTM.Dropout >= 1 {
		return errors.Errorf("lstm.dropout must be in [0, 1), got %g", cfg.LSTM.Dropout)
	}
	return nil
}

// BumpLSTMID increments lstm.id and writes the configuration back to its file.
// It returns the id before the increment, which names the model being trained.
func (cfg *Config) BumpLSTMID() (int, error) {
	previous := cfg.LSTM.ID
	if cfg.File() == "" {
		return 0, errors.New("configuration was not read from a file, cannot update lstm.id")
	}
	// Only what the file contains is written back, not the defaults or overrides of this run.
	fileV := viper.New()
	fileV.SetConfigFile(cfg.File())
	if err := fileV.ReadInConfig(); err != nil {
		return 0, errors.Wrapf(err, "failed to re-read configuration %q", cfg.File())
	}
	fileV.Set("lstm.id", previous+1)
	if err := fileV.WriteConfig(); err != nil {
		return 0, errors.Wrapf(err, "failed to write lstm.id back to %q", cfg.File())
	}
	cfg.v.Set("lstm.id", previous+1)
	cfg.LSTM.ID = previous + 1
	return previous, nil
}

// ModelDir returns the directory where the logs and plots of the model identified by modelID are written.
func (cfg *Config) ModelDir(modelID string) string {
	return filepath.Join(cfg.Callbacks.LogDir, modelID)
}

// WeightsDir returns the directory where the final weights of the model identified by modelID are saved.
func (cfg *Config) WeightsDir(modelID string) string {
	return filepath.Join(cfg.Paths.OutputDir, cfg.Output.WeightsFile+"_"+modelID)
}
