// Package config stores the shardmesh CLI's connection profiles in
// ~/.shardmesh/cli.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"go.yaml.in/yaml/v3"

	"github.com/yndnr/shardmesh-go/internal/infra/confloader"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// SHARDMESH_CLI_OUTPUT=json.
const EnvPrefix = "SHARDMESH_CLI_"

// CLIConfig is the CLI configuration file.
type CLIConfig struct {
	// Current names the profile used when --profile is not given.
	Current  string             `koanf:"current" yaml:"current,omitempty"`
	Output   string             `koanf:"output" yaml:"output,omitempty"`
	Profiles map[string]Profile `koanf:"profiles" yaml:"profiles,omitempty"`
}

// Profile is one saved node connection.
type Profile struct {
	Server string `koanf:"server" yaml:"server,omitempty"`
	Socket string `koanf:"socket" yaml:"socket,omitempty"`
	Token  string `koanf:"token" yaml:"token,omitempty"`
	CAFile string `koanf:"ca_file" yaml:"ca_file,omitempty"`
}

// DefaultProfile is the profile used before any is saved.
var DefaultProfile = Profile{Server: "127.0.0.1:7480"}

// Default returns an empty configuration.
func Default() *CLIConfig {
	return &CLIConfig{Output: "table", Profiles: make(map[string]Profile)}
}

// DefaultPath returns ~/.shardmesh/cli.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".shardmesh", "cli.yaml")
}

// Load reads path, or DefaultPath when path is empty. A missing file
// yields Default.
func Load(path string) (*CLIConfig, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()
	opts := []confloader.Option{confloader.WithEnvPrefix(EnvPrefix)}
	if _, err := os.Stat(path); err == nil {
		opts = append(opts, confloader.WithConfigFile(path))
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]Profile)
	}
	return cfg, nil
}

// Save writes cfg to path with owner-only permissions, since profiles
// hold bearer tokens.
func Save(cfg *CLIConfig, path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Profile returns the named profile, the current one when name is empty,
// or DefaultProfile when nothing is saved.
func (c *CLIConfig) Profile(name string) (Profile, error) {
	if name == "" {
		name = c.Current
	}
	if name == "" {
		return DefaultProfile, nil
	}
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("no profile named %q", name)
	}
	return p, nil
}

// ProfileNames returns the saved profile names in order.
func (c *CLIConfig) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for n := range c.Profiles {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
