package cli

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/stevedore-pm/stevedore/pkg/errors"
)

// configFileName is the optional per-project configuration file, looked up
// beside the manifest unless --config points elsewhere.
const configFileName = "stevedore.toml"

// Config holds install settings read from a stevedore.toml file.
// Command-line flags override file values.
type Config struct {
	Registry       string `toml:"registry"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxAttempts    int    `toml:"max_attempts"`
	CacheDir       string `toml:"cache_dir"`
	ModulesDir     string `toml:"modules_dir"`
	Workers        int    `toml:"workers"`
}

// Timeout returns the configured per-attempt timeout, or zero when unset.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// loadConfig reads the config file at path. When path is empty it falls back
// to dir/stevedore.toml; a missing fallback file yields a zero Config, but an
// explicitly named file must exist.
func loadConfig(path, dir string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, configFileName)
	}

	var cfg Config
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && !explicit {
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Wrap(errors.ErrCodeInvalidManifest, err, "read config %s", path)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(errors.ErrCodeInvalidManifest, err, "parse config %s", path)
	}
	return cfg, nil
}
