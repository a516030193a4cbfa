package report

// ============================================================================
// Session Report
// Responsibility:
// 1. Serialize the end-of-session summary to a JSON file
// 2. Write atomically (temp file + rename) so a crash never leaves a torn report
// 3. Validate the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/procsim/pkg/types"
)

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// Manager writes and reads a single report file.
type Manager struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewManager returns a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Save stamps the schema version (and CreatedAt when unset) and writes r.
// Missing parent directories are created.
func (m *Manager) Save(r types.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.SchemaVer = types.ReportSchemaVersion
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Load reads the report back.
func (m *Manager) Load() (types.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Read(m.path)
}

// Read loads the report at path without a Manager.
func Read(path string) (types.Report, error) {
	var r types.Report

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, fmt.Errorf("%w: %s", ErrReportNotFound, path)
		}
		return r, fmt.Errorf("failed to read report: %w", err)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if r.SchemaVer != types.ReportSchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, types.ReportSchemaVersion)
	}
	return r, nil
}

// Exists reports whether the report file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the report file path.
func (m *Manager) Path() string { return m.path }
