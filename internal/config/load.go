package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads the TOML config at path, layered over defaults, and validates
// the result. A missing file is not an error: the defaults are returned so
// a freshly provisioned terminal can start before anyone writes a config.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		// Unknown keys are tolerated (forward compatibility) but named so
		// typos surface in the log rather than silently doing nothing.
		for _, key := range undecoded {
			fmt.Fprintf(os.Stderr, "config: unknown key %q in %s\n", key.String(), path)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
