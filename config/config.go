// Package config loads runtime settings from the environment and optional
// tracker tuning overrides from a JSON file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	EnvModelsPath = "TANGRAM_MODELS"
	EnvAssetsDir  = "TANGRAM_ASSETS"
	EnvTuningPath = "TANGRAM_TUNING"
	EnvLabelsDir  = "TANGRAM_LABELS"
	EnvLocking    = "TANGRAM_LOCKING"

	DefaultModelsPath = "assets/tangram_models.json"
)

type Config struct {
	// ModelsPath is the JSON file of canonical piece shapes
	ModelsPath string
	// AssetsDir holds the .mtl material files, empty disables colors
	AssetsDir string
	// TuningPath is an optional JSON file of tracker overrides
	TuningPath string
	// LabelsDir holds images/ and labels/ test cases
	LabelsDir      string
	LockingEnabled bool
}

// Load reads a .env file if present and then the process environment.
func Load() (*Config, error) {
	// a missing .env file is not an error
	_ = godotenv.Load()

	cfg := &Config{
		ModelsPath:     os.Getenv(EnvModelsPath),
		AssetsDir:      os.Getenv(EnvAssetsDir),
		TuningPath:     os.Getenv(EnvTuningPath),
		LabelsDir:      os.Getenv(EnvLabelsDir),
		LockingEnabled: true,
	}

	if cfg.ModelsPath == "" {
		cfg.ModelsPath = DefaultModelsPath
	}

	if v := os.Getenv(EnvLocking); v != "" {
		b, err := strconv.ParseBool(v)

		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %w", EnvLocking, v, err)
		}

		cfg.LockingEnabled = b
	}

	return cfg, nil
}
