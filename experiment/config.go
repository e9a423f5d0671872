package experiment

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/distribution-transfer/checkpoints"
	"github.com/tsawler/distribution-transfer/layers"
	"github.com/tsawler/distribution-transfer/training"
	"github.com/tsawler/distribution-transfer/vision/dataset"
	"github.com/tsawler/distribution-transfer/vision/preprocessing"
)

// EnvPrefix prefixes environment overrides, e.g. DT_TRAINING_EPOCHS
const EnvPrefix = "DT"

// Variant names
const (
	VariantStd  = "std"
	VariantDist = "dist"
)

// Config is the complete experiment configuration
type Config struct {
	Data     DataConfig     `mapstructure:"data" yaml:"data"`
	Augment  AugmentConfig  `mapstructure:"augment" yaml:"augment"`
	Training TrainingConfig `mapstructure:"training" yaml:"training"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`

	// ContinueOnError records a failed sample size and moves on instead of
	// aborting the run
	ContinueOnError bool   `mapstructure:"continue_on_error" yaml:"continue_on_error"`
	LogLevel        string `mapstructure:"log_level" yaml:"log_level"`
}

// DataConfig locates the tables and images
type DataConfig struct {
	Path        string `mapstructure:"path" yaml:"path"`
	ImageFolder string `mapstructure:"image_folder" yaml:"image_folder"`
	TrainCSV    string `mapstructure:"train_csv" yaml:"train_csv"`
	ValidCSV    string `mapstructure:"valid_csv" yaml:"valid_csv"`
	TestCSV     string `mapstructure:"test_csv" yaml:"test_csv"`
	ImageColumn string `mapstructure:"image_column" yaml:"image_column"`
	LabelColumn string `mapstructure:"label_column" yaml:"label_column"`
	Disease     string `mapstructure:"disease" yaml:"disease"`
	ImageSize   int    `mapstructure:"image_size" yaml:"image_size"`
	Normalize   bool   `mapstructure:"normalize" yaml:"normalize"`
	CacheSize   int    `mapstructure:"cache_size" yaml:"cache_size"`
	Workers     int    `mapstructure:"workers" yaml:"workers"`
	Preload     bool   `mapstructure:"preload" yaml:"preload"`
}

// AugmentConfig configures the training and TTA transforms
type AugmentConfig struct {
	RotationArc float64 `mapstructure:"rotation_arc" yaml:"rotation_arc"`
	Flip        bool    `mapstructure:"flip" yaml:"flip"`
	CropPixels  int     `mapstructure:"crop_pixels" yaml:"crop_pixels"`
}

// TrainingConfig configures the per-sample-size training runs
type TrainingConfig struct {
	SampleAmounts     []int   `mapstructure:"sample_amounts" yaml:"sample_amounts"`
	BatchSize         int     `mapstructure:"batch_size" yaml:"batch_size"`
	Epochs            int     `mapstructure:"epochs" yaml:"epochs"`
	MaxLR             float64 `mapstructure:"max_lr" yaml:"max_lr"`
	WeightDecay       float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
	Pctg              float64 `mapstructure:"pctg" yaml:"pctg"`
	MomHigh           float64 `mapstructure:"mom_high" yaml:"mom_high"`
	MomLow            float64 `mapstructure:"mom_low" yaml:"mom_low"`
	Delta             float64 `mapstructure:"delta" yaml:"delta"`
	DivFactor         float64 `mapstructure:"div_factor" yaml:"div_factor"`
	GradualUnfreezing bool    `mapstructure:"gradual_unfreezing" yaml:"gradual_unfreezing"`
	UnfreezeFirst     float64 `mapstructure:"unfreeze_first" yaml:"unfreeze_first"`
	UnfreezeSecond    float64 `mapstructure:"unfreeze_second" yaml:"unfreeze_second"`
	Freeze            bool    `mapstructure:"freeze" yaml:"freeze"`
	StdAlpha          float64 `mapstructure:"std_alpha" yaml:"std_alpha"`
	DistAlpha         float64 `mapstructure:"dist_alpha" yaml:"dist_alpha"`
	SigmaMode         string  `mapstructure:"sigma_mode" yaml:"sigma_mode"`
	Pretrained        string  `mapstructure:"pretrained" yaml:"pretrained"`
	TTAPasses         int     `mapstructure:"tta_passes" yaml:"tta_passes"`
	Seed              int64   `mapstructure:"seed" yaml:"seed"`
}

// OutputConfig locates checkpoints, results and plots
type OutputConfig struct {
	SaveDir          string `mapstructure:"save_dir" yaml:"save_dir"`
	ResultsDir       string `mapstructure:"results_dir" yaml:"results_dir"`
	CheckpointFormat string `mapstructure:"checkpoint_format" yaml:"checkpoint_format"`
	Plots            bool   `mapstructure:"plots" yaml:"plots"`
	Progress         bool   `mapstructure:"progress" yaml:"progress"`
}

// SetDefaults registers the default configuration on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data.path", "data")
	v.SetDefault("data.image_folder", "ChestXRay-250")
	v.SetDefault("data.train_csv", "train_df.csv")
	v.SetDefault("data.valid_csv", "val_df.csv")
	v.SetDefault("data.test_csv", "test_df.csv")
	v.SetDefault("data.image_column", "Image Index")
	v.SetDefault("data.label_column", "")
	v.SetDefault("data.disease", "Emphysema")
	v.SetDefault("data.image_size", 224)
	v.SetDefault("data.normalize", true)
	v.SetDefault("data.cache_size", 0) // 0 = whole table
	v.SetDefault("data.workers", 0)    // 0 = logical cores
	v.SetDefault("data.preload", false)

	v.SetDefault("augment.rotation_arc", 20.0)
	v.SetDefault("augment.flip", true)
	v.SetDefault("augment.crop_pixels", 8)

	v.SetDefault("training.sample_amounts", []int{50, 100, 200, 400, 600, 800, 1000, 1200, 1400, 1600, 1800, 2000})
	v.SetDefault("training.batch_size", 16)
	v.SetDefault("training.epochs", 20)
	v.SetDefault("training.max_lr", 0.001)
	v.SetDefault("training.weight_decay", 0.0)
	v.SetDefault("training.pctg", 0.3)
	v.SetDefault("training.mom_high", 0.95)
	v.SetDefault("training.mom_low", 0.85)
	v.SetDefault("training.delta", 1e-4)
	v.SetDefault("training.div_factor", 25.0)
	v.SetDefault("training.gradual_unfreezing", true)
	v.SetDefault("training.unfreeze_first", 0.1)
	v.SetDefault("training.unfreeze_second", 0.2)
	v.SetDefault("training.freeze", true)
	v.SetDefault("training.std_alpha", 1.0)
	v.SetDefault("training.dist_alpha", 1.0/3)
	v.SetDefault("training.sigma_mode", "mean")
	v.SetDefault("training.pretrained", "")
	v.SetDefault("training.tta_passes", 4)
	v.SetDefault("training.seed", 42)

	v.SetDefault("output.save_dir", "models")
	v.SetDefault("output.results_dir", "results")
	v.SetDefault("output.checkpoint_format", "json")
	v.SetDefault("output.plots", false)
	v.SetDefault("output.progress", false)

	v.SetDefault("continue_on_error", false)
	v.SetDefault("log_level", "info")
}

// NewViper returns a viper instance with defaults and DT_ environment
// overrides registered
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the YAML file at path (optional) into v and returns the
// validated configuration
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns the defaults without reading files or environment
func DefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config does not decode: %v", err))
	}
	return &cfg
}

// Validate checks the configuration for values the run cannot use
func (c *Config) Validate() error {
	if _, err := dataset.DiseaseIndex(c.Data.Disease); err != nil {
		return err
	}
	if c.Data.ImageSize < 16 {
		return fmt.Errorf("image_size must be at least 16, got %d", c.Data.ImageSize)
	}
	if c.Data.CacheSize < 0 || c.Data.Workers < 0 {
		return fmt.Errorf("cache_size and workers cannot be negative")
	}
	if c.Augment.RotationArc < 0 || c.Augment.CropPixels < 0 {
		return fmt.Errorf("augmentation sizes cannot be negative")
	}

	t := c.Training
	if len(t.SampleAmounts) == 0 {
		return fmt.Errorf("sample_amounts cannot be empty")
	}
	for _, n := range t.SampleAmounts {
		if n < 2 {
			return fmt.Errorf("sample amount %d is too small, need at least one observation per class", n)
		}
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if t.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive")
	}
	if t.MaxLR <= 0 {
		return fmt.Errorf("max_lr must be positive")
	}
	if t.WeightDecay < 0 {
		return fmt.Errorf("weight_decay cannot be negative")
	}
	if t.Pctg <= 0 || t.Pctg >= 1 {
		return fmt.Errorf("pctg must be in (0, 1), got %g", t.Pctg)
	}
	if t.DivFactor <= 0 || t.Delta <= 0 {
		return fmt.Errorf("div_factor and delta must be positive")
	}
	if t.UnfreezeFirst < 0 || t.UnfreezeSecond > 1 || t.UnfreezeFirst > t.UnfreezeSecond {
		return fmt.Errorf("unfreeze fractions must satisfy 0 <= first <= second <= 1, got %g, %g", t.UnfreezeFirst, t.UnfreezeSecond)
	}
	if t.StdAlpha <= 0 || t.DistAlpha <= 0 {
		return fmt.Errorf("std_alpha and dist_alpha must be positive, got %g, %g", t.StdAlpha, t.DistAlpha)
	}
	if _, err := layers.ParseSigmaMode(t.SigmaMode); err != nil {
		return err
	}
	if t.TTAPasses <= 0 {
		return fmt.Errorf("tta_passes must be positive")
	}

	if _, err := checkpoints.ParseFormat(c.Output.CheckpointFormat); err != nil {
		return err
	}
	return nil
}

// WriteYAML renders the configuration as YAML
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func (c *Config) dataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Data.Path, name)
}

// ImageFolderPath returns the image folder, resolved against data.path
func (c *Config) ImageFolderPath() string {
	return c.dataPath(c.Data.ImageFolder)
}

// TablePath resolves a table file name against data.path
func (c *Config) TablePath(name string) string {
	return c.dataPath(name)
}

func (c *Config) csvOptions() dataset.CSVOptions {
	return dataset.CSVOptions{ImageColumn: c.Data.ImageColumn, LabelColumn: c.Data.LabelColumn}
}

func (c *Config) format() checkpoints.CheckpointFormat {
	f, _ := checkpoints.ParseFormat(c.Output.CheckpointFormat)
	return f
}

func (c *Config) sigmaMode() layers.SigmaMode {
	m, _ := layers.ParseSigmaMode(c.Training.SigmaMode)
	return m
}

// Transforms builds a fresh set of augmentations. Each DataBatches needs
// its own set since transforms hold per-epoch random choices.
func (c *Config) Transforms() []preprocessing.Transform {
	var ts []preprocessing.Transform
	if c.Augment.RotationArc > 0 {
		ts = append(ts, &preprocessing.RandomRotation{ArcWidth: c.Augment.RotationArc})
	}
	if c.Augment.Flip {
		ts = append(ts, &preprocessing.Flip{})
	}
	if c.Augment.CropPixels > 0 {
		ts = append(ts, &preprocessing.RandomCrop{RPix: c.Augment.CropPixels})
	}
	return ts
}

// Schedule returns the one-cycle shape used for every run
func (c *Config) Schedule() training.OneCycleConfig {
	return training.OneCycleConfig{
		Epochs:    c.Training.Epochs,
		MaxLR:     c.Training.MaxLR,
		Pctg:      c.Training.Pctg,
		MomHigh:   c.Training.MomHigh,
		MomLow:    c.Training.MomLow,
		Delta:     c.Training.Delta,
		DivFactor: c.Training.DivFactor,
	}
}

// UnfreezePlan returns the gradual unfreezing plan, or nil when disabled
func (c *Config) UnfreezePlan() *training.UnfreezePlan {
	if !c.Training.GradualUnfreezing {
		return nil
	}
	return &training.UnfreezePlan{First: c.Training.UnfreezeFirst, Second: c.Training.UnfreezeSecond}
}

// Variant is one model initialisation compared by the experiment
type Variant struct {
	Name string
	// Alpha is the discriminative learning rate ratio
	Alpha float64
	// Resample replaces the starting weights with draws from their
	// per-tensor distribution
	Resample bool
}

// Variants returns the std and dist variants in run order
func (c *Config) Variants() []Variant {
	return []Variant{
		{Name: VariantStd, Alpha: c.Training.StdAlpha},
		{Name: VariantDist, Alpha: c.Training.DistAlpha, Resample: true},
	}
}
