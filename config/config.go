// Package config persists local node settings as JSON under an OS-aware
// data directory, including the node's stable mesh identity.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/user/meshdrop/frame"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "meshdrop"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// NodeConfig contains persistent local-node settings. The zero values of
// the tunables mean "use the engine default".
type NodeConfig struct {
	NodeID        string `json:"node_id"`
	NodeName      string `json:"node_name"`
	ListenPort    int    `json:"listen_port"`
	DefaultTTL    uint8  `json:"default_ttl"`
	MTU           int    `json:"mtu"`
	MaxAttempts   int    `json:"max_attempts"`
	InboxCapacity int    `json:"inbox_capacity"`
}

// FrameID parses the persisted node identity into the wire representation.
func (c *NodeConfig) FrameID() (frame.ID, error) {
	return frame.ParseID(c.NodeID)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MESHDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("MESHDROP_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "blobs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// config and its data directory. A node identity is generated exactly
// once and survives restarts.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

func defaultConfig() *NodeConfig {
	nodeName := "meshdrop node"
	if host, err := os.Hostname(); err == nil && host != "" {
		nodeName = host
	}

	return &NodeConfig{
		NodeID:   frame.NewID().String(),
		NodeName: nodeName,
	}
}

func normalizeDefaults(cfg *NodeConfig) bool {
	updated := false

	if _, err := frame.ParseID(cfg.NodeID); err != nil {
		cfg.NodeID = frame.NewID().String()
		updated = true
	}

	if cfg.NodeName == "" {
		nodeName := "meshdrop node"
		if host, err := os.Hostname(); err == nil && host != "" {
			nodeName = host
		}
		cfg.NodeName = nodeName
		updated = true
	}

	if cfg.ListenPort < 0 || cfg.ListenPort > 65535 {
		cfg.ListenPort = 0
		updated = true
	}

	return updated
}
