package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestManifestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := ManifestPath(filepath.Join(dir, "flash.img"))

	cfg := NewCompactConfig()
	cfg.HashAlgorithm = HashSequential
	if err := cfg.SaveManifest(path); err != nil {
		t.Fatalf("failed to save manifest: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary manifest left behind")
	}

	loaded, err := LoadConfigFromManifest(path)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}
	if loaded.HashAlgorithm != HashSequential {
		t.Errorf("expected sequential hash, got %v", loaded.HashAlgorithm)
	}
	if loaded.EntrySize != cfg.EntrySize || len(loaded.BankOffsets) != len(cfg.BankOffsets) {
		t.Errorf("geometry not preserved: %+v", loaded)
	}
}

func TestManifestHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img.manifest")

	m, err := NewManifest(path, NewCompactConfig())
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	m.RecordEvent(EventFormat)
	if err := m.UpdateConfig(func(c *Config) { c.WearLevelInterval = 500 }); err != nil {
		t.Fatalf("failed to update tuning: %v", err)
	}
	if err := m.Save(); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	reloaded, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if len(reloaded.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(reloaded.Entries))
	}
	if reloaded.GetConfig().WearLevelInterval != 500 {
		t.Errorf("expected updated interval, got %d", reloaded.GetConfig().WearLevelInterval)
	}
	if _, ok := reloaded.LastEvent(EventFormat); !ok {
		t.Errorf("expected a format event in history")
	}
	if _, ok := reloaded.LastEvent("restore"); ok {
		t.Errorf("unexpected restore event")
	}
}

func TestManifestRejectsGeometryChange(t *testing.T) {
	m, err := NewManifest(filepath.Join(t.TempDir(), "m"), NewCompactConfig())
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	err = m.UpdateConfig(func(c *Config) { c.BlocksPerBank = 2 })
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected geometry change to be rejected, got %v", err)
	}
	if len(m.Entries) != 1 {
		t.Errorf("rejected update should not be recorded")
	}
}

func TestLoadManifestErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadManifest(filepath.Join(dir, "missing")); !errors.Is(err, ErrManifestNotFound) {
		t.Errorf("expected ErrManifestNotFound, got %v", err)
	}

	garbage := filepath.Join(dir, "garbage")
	if err := os.WriteFile(garbage, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(garbage); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest, got %v", err)
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("[]"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(empty); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest for empty manifest, got %v", err)
	}
}
