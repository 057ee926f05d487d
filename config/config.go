// Package config holds the configuration surface of an evaluation run.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"gonevo/architecture"
	"gonevo/imageproc"
	"gonevo/neuralnet"
)

// ErrInvalid is returned for configurations that fail validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is loaded from YAML on top of Default().
//
// Thread Safety: Safe to read concurrently. Not safe to modify after Resolve.
type Config struct {
	// DatasetID selects the source, e.g. "cifar10:data/data_batch_1.bin" or "synthetic:300".
	DatasetID string `yaml:"dataset_id" validate:"required"`
	// LabelNames optionally points at a batches.meta.txt file used in diagnostics.
	LabelNames string `yaml:"label_names"`

	TestSplit float64 `yaml:"test_split" validate:"gt=0,lt=1"`
	Seed      int64   `yaml:"seed"`

	CrossValidationSplit int     `yaml:"cross_validation_split" validate:"gte=2"`
	BatchSize            int     `yaml:"batch_size" validate:"gt=0"`
	NumEpochs            int     `yaml:"num_epochs" validate:"gt=0"`
	TrainFreq            int     `yaml:"train_freq" validate:"gt=0"`
	ValidationFreq       int     `yaml:"validation_freq" validate:"gt=0"`
	EarlyStopFreq        int     `yaml:"early_stop_freq" validate:"gte=2"`
	EarlyStopEpsilon     float64 `yaml:"early_stop_epsilon" validate:"gt=0"`

	NormalizeLabel bool  `yaml:"normalize_label"`
	Normalize      bool  `yaml:"normalize"`
	Resize         []int `yaml:"resize" validate:"omitempty,len=2,dive,gt=0"`
	EvolveNetwork  bool  `yaml:"evolve_network"`
	Maximize       bool  `yaml:"maximize"`

	// MaxPixels bounds the values of one image at any preprocessing step.
	MaxPixels int `yaml:"max_pixels" validate:"gt=0"`
	// MaxParams bounds the trainable values plus per-example activations of
	// a derived network.
	MaxParams int `yaml:"max_params" validate:"gt=0"`

	Network    string                   `yaml:"network" validate:"required"`
	ConvLayers []architecture.ConvLayer `yaml:"conv_layers" validate:"dive"`
	FCNLayers  []int                    `yaml:"fcn_layers" validate:"min=2,dive,gte=0"`

	// Activation is used by the hidden fully connected layers.
	Activation string `yaml:"activation" validate:"oneof=relu leaky_relu sigmoid tanh linear"`

	LearningRate float64 `yaml:"learning_rate" validate:"gt=0"`
	Momentum     float64 `yaml:"momentum" validate:"gte=0,lt=1"`
	Decay        float64 `yaml:"decay" validate:"gt=0,lte=1"`
	L2           float64 `yaml:"l2" validate:"gte=0"`

	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogJSON  bool   `yaml:"log_json"`

	// NetworkKind is resolved from Network by Resolve.
	NetworkKind neuralnet.Kind `yaml:"-"`
}

// Default mirrors the CIFAR-10 setup: two 3x3 conv blocks and a 10-way classifier.
func Default() Config {
	return Config{
		DatasetID:            "cifar10:data/data_batch_1.bin",
		TestSplit:            0.33,
		Seed:                 42,
		CrossValidationSplit: 5,
		BatchSize:            128,
		NumEpochs:            100,
		TrainFreq:            10,
		ValidationFreq:       10,
		EarlyStopFreq:        4,
		EarlyStopEpsilon:     0.01,
		Normalize:            true,
		EvolveNetwork:        true,
		Maximize:             true,
		MaxPixels:            imageproc.DefaultMaxPixels,
		MaxParams:            1 << 24,
		Network:              neuralnet.KindClassification.String(),
		ConvLayers: []architecture.ConvLayer{
			{Filters: 16, Kernel: 3, Stride: 1, Padding: 1, PoolSize: 2},
			{Filters: 32, Kernel: 3, Stride: 1, Padding: 1, PoolSize: 2},
		},
		FCNLayers:    []int{0, 64, 10},
		Activation:   "relu",
		LearningRate: 0.01,
		Momentum:     0.9,
		Decay:        1,
		LogLevel:     "info",
	}
}

var validate = validator.New()

// Resolve validates c and resolves the network kind. It must be called before use.
func (c *Config) Resolve() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	kind, err := neuralnet.ParseKind(c.Network)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.NetworkKind = kind
	if c.NetworkKind == neuralnet.KindClassification && c.FCNLayers[len(c.FCNLayers)-1] < 2 {
		return fmt.Errorf("%w: a classifier needs at least 2 outputs, fcn_layers is %v", ErrInvalid, c.FCNLayers)
	}
	if c.NetworkKind == neuralnet.KindClassification && c.NormalizeLabel {
		return fmt.Errorf("%w: normalize_label would corrupt class indices of a %s", ErrInvalid, c.Network)
	}
	if len(c.Resize) == 2 && c.Resize[0] > c.MaxPixels/c.Resize[1] {
		return fmt.Errorf("%w: resize %v exceeds max_pixels %d", ErrInvalid, c.Resize, c.MaxPixels)
	}
	for i, w := range c.FCNLayers[1:] {
		if w == 0 {
			return fmt.Errorf("%w: fcn_layers[%d] is 0; only the input width is derived", ErrInvalid, i+1)
		}
	}
	return nil
}

// Load reads path over Default() and resolves the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over Default() and resolves the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
