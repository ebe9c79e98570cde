// Package persist keeps the last known good compensation state on disk so a
// restart does not lose calibration.
package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/satindergrewal/phisync/internal/calibrate"
	"github.com/satindergrewal/phisync/internal/compensation"
)

// Calibration records the run that produced the stored offset.
type Calibration struct {
	RunID             string    `yaml:"run_id"`
	MeasuredLatencyMs float64   `yaml:"measured_latency_ms"`
	Confidence        float64   `yaml:"confidence"`
	ResidualErrorPct  float64   `yaml:"residual_error_pct"`
	Timestamp         time.Time `yaml:"timestamp"`
}

// FromResult converts a successful calibration for storage. It returns nil
// for a failed run.
func FromResult(res *calibrate.Result) *Calibration {
	if res == nil || !res.Succeeded {
		return nil
	}
	return &Calibration{
		RunID:             res.RunID.String(),
		MeasuredLatencyMs: res.MeasuredLatencyMs,
		Confidence:        res.Confidence,
		ResidualErrorPct:  res.ResidualErrorPct,
		Timestamp:         res.Timestamp,
	}
}

// Record is the persisted document.
type Record struct {
	SavedAt      time.Time          `yaml:"saved_at"`
	Compensation compensation.State `yaml:"compensation"`
	Calibration  *Calibration       `yaml:"calibration,omitempty"`
}

// Store reads and writes a Record at Path.
type Store struct {
	Path string
}

// NewStore returns a store for path.
func NewStore(path string) *Store { return &Store{Path: path} }

// Load reads the record. A missing file yields an error matching os.ErrNotExist.
func (s *Store) Load() (Record, error) {
	var rec Record
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return rec, fmt.Errorf("persist: %w", err)
	}
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("persist: decode %s: %w", s.Path, err)
	}
	if rec.Compensation.FractionalOffset < 0 || rec.Compensation.FractionalOffset >= 1 {
		return rec, fmt.Errorf("persist: fractional offset %v out of range", rec.Compensation.FractionalOffset)
	}
	return rec, nil
}

// Save writes the record atomically.
func (s *Store) Save(rec Record) error {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persist: encode: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".phisync-*.yaml")
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("persist: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

// Exists reports whether a record has been saved.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path)
	return !errors.Is(err, os.ErrNotExist)
}
