package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config captures the runtime knobs for an embedding run.
type Config struct {
	DownloadDir string `yaml:"download_dir"`
	Dataset     string `yaml:"dataset"`
	Split       string `yaml:"split"`
	ShardsDir   string `yaml:"shards_dir"`
	BatchSize   int    `yaml:"batch_size"`
	ImageHeight int    `yaml:"image_height"`
	ImageWidth  int    `yaml:"image_width"`
	OutputDim   int    `yaml:"output_dim"`
	Arch        string `yaml:"arch"`
	Checkpoint  string `yaml:"checkpoint"`
	NumImages   int    `yaml:"num_images"`
	Shuffle     bool   `yaml:"shuffle"`
	Seed        int64  `yaml:"seed"`
	NumWorkers  int    `yaml:"num_workers"`
	Device      string `yaml:"device"`

	Perplexity        float64 `yaml:"perplexity"`
	EarlyExaggeration float64 `yaml:"early_exaggeration"`
	LearningRate      float64 `yaml:"learning_rate"`
	Iterations        int     `yaml:"iterations"`
	Theta             float64 `yaml:"theta"`
	Method            string  `yaml:"method"`
	PCAComponents     int     `yaml:"pca_components"`

	PlotPath  string `yaml:"plot_path"`
	PlotTitle string `yaml:"plot_title"`
	ExportDB  string `yaml:"export_db"`
	LogEvery  int    `yaml:"log_every"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Checkpoint string
	Arch       string
	BatchSize  int
	NumImages  int
	// Seed is applied whenever it is set, zero included.
	Seed       *int64
	NumWorkers int
	PlotPath   string
	ExportDB   string
	Device     string
	LogEvery   int
}

// Default is the stock run: 10k shuffled MNIST training images through LeNet.
func Default() *Config {
	return &Config{
		DownloadDir:       "data",
		Dataset:           "mnist",
		Split:             "train",
		BatchSize:         128,
		ImageHeight:       28,
		ImageWidth:        28,
		OutputDim:         10,
		Arch:              "auto",
		Checkpoint:        "data/save_trained_model/LeNet.json",
		NumImages:         10000,
		Shuffle:           true,
		Device:            "auto",
		Perplexity:        30,
		EarlyExaggeration: 12,
		Iterations:        1000,
		Theta:             0.5,
		Method:            "barnes_hut",
		PlotPath:          "tsne.png",
		LogEvery:          10,
	}
}

// Load reads and validates a Config from YAML. Keys missing from the file keep
// their Default value.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	if err := parseYAML(f, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override and any non-nil
// Seed.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Checkpoint != "" {
		c.Checkpoint = o.Checkpoint
	}
	if o.Arch != "" {
		c.Arch = strings.ToLower(o.Arch)
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumImages > 0 {
		c.NumImages = o.NumImages
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.PlotPath != "" {
		c.PlotPath = o.PlotPath
	}
	if o.ExportDB != "" {
		c.ExportDB = o.ExportDB
	}
	if o.Device != "" {
		c.Device = strings.ToLower(o.Device)
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.Dataset {
	case "mnist":
		if c.DownloadDir == "" {
			return errors.New("download_dir must be set for the mnist dataset")
		}
	case "webdataset":
		if c.ShardsDir == "" {
			return errors.New("shards_dir must be set for the webdataset dataset")
		}
	default:
		return fmt.Errorf("dataset must be mnist or webdataset (got %q)", c.Dataset)
	}
	if c.Split != "train" && c.Split != "test" {
		return fmt.Errorf("split must be train or test (got %q)", c.Split)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.ImageHeight <= 0 || c.ImageWidth <= 0 {
		return fmt.Errorf("image dimensions must be > 0 (got %dx%d)", c.ImageHeight, c.ImageWidth)
	}
	if c.OutputDim <= 0 {
		return fmt.Errorf("output_dim must be > 0 (got %d)", c.OutputDim)
	}
	switch c.Arch {
	case "auto", "lenet", "mlp":
	default:
		return fmt.Errorf("arch must be auto, lenet or mlp (got %q)", c.Arch)
	}
	if c.Checkpoint == "" {
		return errors.New("checkpoint must be set")
	}
	if c.NumImages <= 0 {
		return fmt.Errorf("num_images must be > 0 (got %d)", c.NumImages)
	}
	switch c.Device {
	case "auto", "cpu", "accelerator":
	default:
		return fmt.Errorf("device must be auto, cpu or accelerator (got %q)", c.Device)
	}
	if c.Perplexity <= 0 {
		return fmt.Errorf("perplexity must be > 0 (got %g)", c.Perplexity)
	}
	if c.EarlyExaggeration < 1 {
		return fmt.Errorf("early_exaggeration must be >= 1 (got %g)", c.EarlyExaggeration)
	}
	if c.LearningRate < 0 {
		return fmt.Errorf("learning_rate must be >= 0 (got %g)", c.LearningRate)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be > 0 (got %d)", c.Iterations)
	}
	if c.Theta < 0 || c.Theta > 1 {
		return fmt.Errorf("theta must be within [0, 1] (got %g)", c.Theta)
	}
	if c.Method != "barnes_hut" && c.Method != "exact" {
		return fmt.Errorf("method must be barnes_hut or exact (got %q)", c.Method)
	}
	if c.PCAComponents < 0 {
		return fmt.Errorf("pca_components must be >= 0 (got %d)", c.PCAComponents)
	}
	if c.PlotPath == "" {
		return errors.New("plot_path must be set")
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be >= 0 (got %d)", c.NumWorkers)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 10
	}
	return nil
}

func parseYAML(r io.Reader, cfg *Config) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("line %d: missing ':'", lineNo)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, "\"'")
		if err := cfg.set(key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

// set assigns a single key. It is shared by the YAML parser and the
// environment overlay so both accept the same vocabulary.
func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "download_dir":
		c.DownloadDir = value
	case "dataset":
		c.Dataset = value
	case "split":
		c.Split = value
	case "shards_dir":
		c.ShardsDir = value
	case "batch_size":
		c.BatchSize, err = strconv.Atoi(value)
	case "image_height":
		c.ImageHeight, err = strconv.Atoi(value)
	case "image_width":
		c.ImageWidth, err = strconv.Atoi(value)
	case "output_dim":
		c.OutputDim, err = strconv.Atoi(value)
	case "arch":
		c.Arch = strings.ToLower(value)
	case "checkpoint":
		c.Checkpoint = value
	case "num_images":
		c.NumImages, err = strconv.Atoi(value)
	case "shuffle":
		c.Shuffle, err = strconv.ParseBool(value)
	case "seed":
		c.Seed, err = strconv.ParseInt(value, 10, 64)
	case "num_workers":
		c.NumWorkers, err = strconv.Atoi(value)
	case "device":
		c.Device = strings.ToLower(value)
	case "perplexity":
		c.Perplexity, err = strconv.ParseFloat(value, 64)
	case "early_exaggeration":
		c.EarlyExaggeration, err = strconv.ParseFloat(value, 64)
	case "learning_rate":
		c.LearningRate, err = strconv.ParseFloat(value, 64)
	case "iterations":
		c.Iterations, err = strconv.Atoi(value)
	case "theta":
		c.Theta, err = strconv.ParseFloat(value, 64)
	case "method":
		c.Method = strings.ToLower(value)
	case "pca_components":
		c.PCAComponents, err = strconv.Atoi(value)
	case "plot_path":
		c.PlotPath = value
	case "plot_title":
		c.PlotTitle = value
	case "export_db":
		c.ExportDB = value
	case "log_every":
		c.LogEvery, err = strconv.Atoi(value)
	default:
		return fmt.Errorf("unknown key %s", key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
