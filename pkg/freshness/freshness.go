// Package freshness declares and evaluates the recency contract of exported
// evidence. Evaluation is a pure function so any offline verifier reproduces
// the same verdict from the manifest and a clock reading.
package freshness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	// ManifestFilename is the well-known manifest name inside a bundle.
	ManifestFilename = "FRESHNESS_MANIFEST.json"

	// SchemaVersion of the manifest format.
	SchemaVersion = "1.0.0"

	// DefaultMaxStalenessSeconds is the default recency threshold (7 days).
	DefaultMaxStalenessSeconds = 7 * 24 * 3600
)

// Source records the newest observed timestamp for one evidence category.
type Source struct {
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
}

// Manifest is the freshness declaration exported with a bundle.
type Manifest struct {
	SchemaVersion       string            `json:"schema_version"`
	GeneratedAt         time.Time         `json:"generated_at"`
	MaxStalenessSeconds int64             `json:"max_staleness_seconds"`
	SourceTimestamps    map[string]Source `json:"source_timestamps"`
}

// New builds a manifest from per-source timestamps.
func New(generatedAt time.Time, maxStalenessSeconds int64, sources map[string]Source) Manifest {
	return Manifest{
		SchemaVersion:       SchemaVersion,
		GeneratedAt:         generatedAt.UTC(),
		MaxStalenessSeconds: maxStalenessSeconds,
		SourceTimestamps:    sources,
	}
}

// StaleSource names one source that exceeded the staleness threshold.
type StaleSource struct {
	Source            string `json:"source"`
	AgeSeconds        int64  `json:"age_seconds"`
	ExceededBySeconds int64  `json:"exceeded_by_seconds"`
}

// Result is the evaluation verdict. Staleness is computed per source; there
// is no global check.
type Result struct {
	Fresh        bool          `json:"fresh"`
	CheckedAt    time.Time     `json:"checked_at"`
	SourceCount  int           `json:"source_count"`
	StaleSources []StaleSource `json:"stale_sources,omitempty"`
}

// Evaluate compares every source timestamp against checkTime. A source
// whose age exceeds MaxStalenessSeconds fails, named individually with its
// age and the amount by which it exceeded the threshold. An age exactly at
// the threshold passes. Pure function: no I/O, no ambient clock, and stale
// sources are reported in sorted name order so two evaluations of the same
// manifest produce identical results.
func Evaluate(m Manifest, checkTime time.Time) Result {
	res := Result{
		Fresh:       true,
		CheckedAt:   checkTime.UTC(),
		SourceCount: len(m.SourceTimestamps),
	}
	names := make([]string, 0, len(m.SourceTimestamps))
	for name := range m.SourceTimestamps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		src := m.SourceTimestamps[name]
		age := int64(checkTime.Sub(src.Timestamp) / time.Second)
		if age > m.MaxStalenessSeconds {
			res.Fresh = false
			res.StaleSources = append(res.StaleSources, StaleSource{
				Source:            name,
				AgeSeconds:        age,
				ExceededBySeconds: age - m.MaxStalenessSeconds,
			})
		}
	}
	return res
}

// Write stores the manifest as ManifestFilename inside dir.
func Write(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal freshness manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFilename)
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write freshness manifest: %w", err)
	}
	return nil
}

// Load reads ManifestFilename from dir. A missing or malformed manifest is
// an error; verification treats that as FAIL, never PASS-by-default.
func Load(dir string) (Manifest, error) {
	path := filepath.Join(dir, ManifestFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read freshness manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse freshness manifest: %w", err)
	}
	return m, nil
}
