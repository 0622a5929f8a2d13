package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, `
# demo run
checkpoint: "models/MLP.json"
arch: MLP
batch_size: 64
num_images: 500
perplexity: 15.5
shuffle: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Checkpoint != "models/MLP.json" || cfg.Arch != "mlp" {
		t.Fatalf("unexpected checkpoint/arch: %q %q", cfg.Checkpoint, cfg.Arch)
	}
	if cfg.BatchSize != 64 || cfg.NumImages != 500 || cfg.Perplexity != 15.5 || cfg.Shuffle {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ImageHeight != 28 || cfg.ImageWidth != 28 || cfg.OutputDim != 10 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "batch_size: 8\nbogus: 1\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, false},
		{"zero images", func(c *Config) { c.NumImages = 0 }, false},
		{"bad arch", func(c *Config) { c.Arch = "resnet" }, false},
		{"no checkpoint", func(c *Config) { c.Checkpoint = "" }, false},
		{"theta too large", func(c *Config) { c.Theta = 1.5 }, false},
		{"bad method", func(c *Config) { c.Method = "fft" }, false},
		{"webdataset without shards", func(c *Config) { c.Dataset = "webdataset" }, false},
		{"webdataset with shards", func(c *Config) { c.Dataset = "webdataset"; c.ShardsDir = "shards" }, true},
		{"bad split", func(c *Config) { c.Split = "val" }, false},
		{"exaggeration below one", func(c *Config) { c.EarlyExaggeration = 0.5 }, false},
		{"negative workers", func(c *Config) { c.NumWorkers = -1 }, false},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		err := cfg.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate() error = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestValidateFillsLogEvery(t *testing.T) {
	cfg := Default()
	cfg.LogEvery = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.LogEvery != 10 {
		t.Fatalf("expected log_every default 10, got %d", cfg.LogEvery)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	seed := int64(3)
	cfg.ApplyOverrides(Overrides{BatchSize: 7, Seed: &seed, PlotPath: "out.svg", Arch: "LeNet"})
	if cfg.BatchSize != 7 || cfg.Seed != 3 || cfg.PlotPath != "out.svg" || cfg.Arch != "lenet" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.NumImages != 10000 {
		t.Fatalf("zero override should keep num_images, got %d", cfg.NumImages)
	}
}

func TestApplyOverridesZeroSeed(t *testing.T) {
	cfg := Default()
	cfg.Seed = 42
	cfg.ApplyOverrides(Overrides{})
	if cfg.Seed != 42 {
		t.Fatalf("unset seed override changed seed to %d", cfg.Seed)
	}
	zero := int64(0)
	cfg.ApplyOverrides(Overrides{Seed: &zero})
	if cfg.Seed != 0 {
		t.Fatalf("explicit zero seed not applied, got %d", cfg.Seed)
	}
}

func TestApplyEnvFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("TSNE_NUM_IMAGES=250\nTSNE_METHOD=exact\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("TSNE_NUM_IMAGES", "")
	t.Setenv("TSNE_METHOD", "")
	os.Unsetenv("TSNE_NUM_IMAGES")
	os.Unsetenv("TSNE_METHOD")

	if err := LoadDotEnv(envPath); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg := Default()
	if err := cfg.ApplyEnv(EnvPrefix); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.NumImages != 250 || cfg.Method != "exact" {
		t.Fatalf("env not applied: num_images=%d method=%s", cfg.NumImages, cfg.Method)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}
}

func TestApplyEnvRejectsBadValue(t *testing.T) {
	t.Setenv("TSNE_BATCH_SIZE", "lots")
	cfg := Default()
	if err := cfg.ApplyEnv(EnvPrefix); err == nil {
		t.Fatal("expected parse error")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
