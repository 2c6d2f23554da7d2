package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ManifestSuffix is appended to a flash image path to locate its manifest.
const ManifestSuffix = ".manifest"

// Manifest events
const (
	EventCreate      = "create"
	EventFormat      = "format"
	EventReconfigure = "reconfigure"
)

type ManifestEntry struct {
	Timestamp int64   `json:"timestamp"`
	Version   int     `json:"version"`
	Event     string  `json:"event"`
	Config    *Config `json:"config"`
}

// Manifest is the append-only history of a flash image: the configuration it
// was created with, every format and every tuning change.
type Manifest struct {
	Path       string
	Entries    []ManifestEntry
	Current    *ManifestEntry
	LastUpdate time.Time
	mu         sync.RWMutex
}

// ManifestPath returns the manifest location for a flash image file.
func ManifestPath(imagePath string) string {
	return imagePath + ManifestSuffix
}

// NewManifest creates a manifest whose first entry records cfg.
func NewManifest(path string, cfg *Config) (*Manifest, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	entry := ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		Event:     EventCreate,
		Config:    cfg,
	}

	m := &Manifest{
		Path:       path,
		Entries:    []ManifestEntry{entry},
		LastUpdate: time.Now(),
	}
	m.Current = &m.Entries[0]

	return m, nil
}

// LoadManifest reads an existing manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries in manifest", ErrInvalidManifest)
	}

	current := &entries[len(entries)-1]
	if current.Config == nil {
		return nil, fmt.Errorf("%w: latest entry has no configuration", ErrInvalidManifest)
	}
	if err := current.Config.Validate(); err != nil {
		return nil, err
	}

	return &Manifest{
		Path:       path,
		Entries:    entries,
		Current:    current,
		LastUpdate: time.Now(),
	}, nil
}

// Save persists the manifest to disk
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Current.Config.Validate(); err != nil {
		return err
	}

	if dir := filepath.Dir(m.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(m.Entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tempPath := m.Path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, m.Path); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	m.LastUpdate = time.Now()
	return nil
}

// UpdateConfig appends a reconfigure entry. Only behaviour settings may
// change: the geometry of an existing image is fixed at creation.
func (m *Manifest) UpdateConfig(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.Current.Config.Clone()
	fn(next)

	if err := next.Validate(); err != nil {
		return err
	}
	if !sameGeometry(m.Current.Config, next) {
		return fmt.Errorf("%w: geometry of an existing image cannot change", ErrInvalidConfig)
	}

	m.appendLocked(EventReconfigure, next)
	return nil
}

// RecordEvent appends an entry carrying the current configuration.
func (m *Manifest) RecordEvent(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(event, m.Current.Config)
}

func (m *Manifest) appendLocked(event string, cfg *Config) {
	m.Entries = append(m.Entries, ManifestEntry{
		Timestamp: time.Now().Unix(),
		Version:   CurrentManifestVersion,
		Event:     event,
		Config:    cfg,
	})
	m.Current = &m.Entries[len(m.Entries)-1]
}

// LastEvent returns the time of the most recent entry with the given event.
func (m *Manifest) LastEvent(event string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.Entries) - 1; i >= 0; i-- {
		if m.Entries[i].Event == event {
			return time.Unix(m.Entries[i].Timestamp, 0), true
		}
	}
	return time.Time{}, false
}

// GetConfig returns the current configuration
func (m *Manifest) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Current.Config
}

func sameGeometry(a, b *Config) bool {
	if a.SectorSize != b.SectorSize || a.EntrySize != b.EntrySize ||
		a.SectorsPerBlock != b.SectorsPerBlock || a.BlocksPerBank != b.BlocksPerBank ||
		a.Banks != b.Banks || a.FlashSize != b.FlashSize ||
		a.FlashBankSize != b.FlashBankSize || a.HashAlgorithm != b.HashAlgorithm {
		return false
	}
	for i := range a.BankOffsets {
		if a.BankOffsets[i] != b.BankOffsets[i] {
			return false
		}
	}
	return true
}

// LoadConfigFromManifest loads just the current configuration of a manifest
func LoadConfigFromManifest(path string) (*Config, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return m.GetConfig(), nil
}

// SaveManifest writes a fresh manifest containing only this configuration
func (c *Config) SaveManifest(path string) error {
	m, err := NewManifest(path, c)
	if err != nil {
		return err
	}
	return m.Save()
}
