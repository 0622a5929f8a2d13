package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces the environment overlay, e.g. TSNE_BATCH_SIZE.
const EnvPrefix = "TSNE_"

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error; variables already set win.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays every set <prefix><KEY> variable onto c, where KEY is the
// upper-cased YAML key.
func (c *Config) ApplyEnv(prefix string) error {
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) || value == "" {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, prefix))
		if err := c.set(key, value); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
	}
	return nil
}
