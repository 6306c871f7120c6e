package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/user/meshdrop/frame"
)

func TestLoadOrCreateGeneratesStableIdentity(t *testing.T) {
	t.Setenv("MESHDROP_DATA_DIR", t.TempDir())

	cfg, dataDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate() error: %v", err)
	}
	if _, err := cfg.FrameID(); err != nil {
		t.Fatalf("generated node id %q does not parse: %v", cfg.NodeID, err)
	}
	if cfg.NodeName == "" {
		t.Error("node name not defaulted")
	}
	if _, err := os.Stat(filepath.Join(dataDir, "blobs")); err != nil {
		t.Errorf("blob directory not created: %v", err)
	}

	again, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate() error: %v", err)
	}
	if again.NodeID != cfg.NodeID {
		t.Errorf("node id changed across loads: %q then %q", cfg.NodeID, again.NodeID)
	}
}

func TestNormalizeRepairsBadValues(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("MESHDROP_DATA_DIR", dataDir)

	broken := &NodeConfig{NodeID: "not-an-id", ListenPort: 99999}
	if err := EnsureDataDirectories(dataDir); err != nil {
		t.Fatalf("EnsureDataDirectories() error: %v", err)
	}
	if err := Save(ConfigPath(dataDir), broken); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate() error: %v", err)
	}
	if _, err := cfg.FrameID(); err != nil {
		t.Errorf("repaired node id %q does not parse: %v", cfg.NodeID, err)
	}
	if cfg.ListenPort != 0 {
		t.Errorf("out-of-range listen port normalized to %d, want 0", cfg.ListenPort)
	}

	// The repair is persisted
	reloaded, err := Load(ConfigPath(dataDir))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if reloaded.NodeID != cfg.NodeID {
		t.Error("repaired config not written back to disk")
	}
}

func TestFrameIDRoundTrip(t *testing.T) {
	id := frame.NewID()
	cfg := &NodeConfig{NodeID: id.String()}
	parsed, err := cfg.FrameID()
	if err != nil {
		t.Fatalf("FrameID() error: %v", err)
	}
	if parsed != id {
		t.Errorf("FrameID() = %s, want %s", parsed, id)
	}
}
