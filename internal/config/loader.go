package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// APIKeyEnv names the environment variable consulted when llm.api_key is unset.
const APIKeyEnv = "LINGYI_API_KEY"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed TOML and unknown keys are.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv(APIKeyEnv)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.lingyi/config.toml
// Project: .lingyi/config.toml (relative to cwd)
func LoadDefault() (*Config, error) {
	global, project, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(global, project)
}

// DefaultPaths returns the global and project config locations.
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".lingyi", "config.toml"), filepath.Join(".lingyi", "config.toml"), nil
}

// mergeConfigFile decodes a TOML file over base. Keys absent from the file keep
// their current value; map entries are merged key by key.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), base)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return fmt.Errorf("parsing %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}
