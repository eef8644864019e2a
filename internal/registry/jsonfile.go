package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileProvider persists the registry as a single JSON document. Saves
// are atomic: written to a temp file in the same directory, then
// renamed over the target.
type FileProvider struct {
	path string
}

// NewFileProvider returns a provider persisting to path. The parent
// directory is created on first save.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Path returns the backing file location.
func (p *FileProvider) Path() string { return p.path }

// Exists reports whether a registry document has been persisted.
func (p *FileProvider) Exists() bool {
	_, err := os.Stat(p.path)
	return err == nil
}

// Load reads and decodes the registry document.
func (p *FileProvider) Load() (*Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode registry file %s: %w", p.path, err)
	}
	return &snap, nil
}

// Save encodes and atomically writes the registry document.
func (p *FileProvider) Save(snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	data = append(data, '\n')

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}

// Backup copies the last persisted document to a timestamped sibling
// file and returns its path.
func (p *FileProvider) Backup() (string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return "", fmt.Errorf("read registry for backup: %w", err)
	}
	dst := fmt.Sprintf("%s.backup-%s", p.path, time.Now().UTC().Format("20060102-150405"))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return dst, nil
}
