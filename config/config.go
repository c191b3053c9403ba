// Package config loads cmd/meshnode's TOML configuration document: the
// node's listen address, its static peer list, and its log level.
// spec.md has nothing to say about process configuration (it treats the
// node as an embedding library), but a standalone demonstration binary
// needs one, built the way go-ethereum's own node config loader uses
// github.com/BurntSushi/toml.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the root of a node's TOML configuration file.
type Config struct {
	Node NodeConfig `toml:"node"`
	Log  LogConfig  `toml:"log"`
}

// NodeConfig describes the node's network identity and static peers.
type NodeConfig struct {
	Listen string   `toml:"listen"`
	Peers  []string `toml:"peers"`
}

// LogConfig describes the node's logging facility.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Load parses the TOML document at path into a Config.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	if cfg.Node.Listen == "" {
		return nil, fmt.Errorf("config: %s: [node] listen is required", path)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	return &cfg, nil
}
