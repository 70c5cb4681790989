// Package config loads the ledger policy from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is absent from the file and the environment.
const (
	DefaultLedgerPath          = "logs/governance_events.jsonl"
	DefaultTraceStorePath      = "data/trace_links.db"
	DefaultMaxSizeBytes        = 50 * 1024 * 1024
	DefaultMaxFileCount        = 20
	DefaultMaxStalenessSeconds = 7 * 24 * 3600
)

// LedgerConfig controls the rotating event sink.
type LedgerConfig struct {
	Path         string `yaml:"path" json:"path"`
	MaxSizeBytes int64  `yaml:"max_size_bytes" json:"max_size_bytes"`
	MaxFileCount int    `yaml:"max_file_count" json:"max_file_count"`
}

// TraceConfig controls the trace-link registry store.
type TraceConfig struct {
	StorePath string `yaml:"store_path" json:"store_path"`
}

// FingerprintConfig selects the configuration surface pinned into bundles.
type FingerprintConfig struct {
	Root     string   `yaml:"root" json:"root"`
	Patterns []string `yaml:"patterns" json:"patterns"`
}

// AuditConfig controls bundle export defaults.
type AuditConfig struct {
	MaxStalenessSeconds int64 `yaml:"max_staleness_seconds" json:"max_staleness_seconds"`
}

// Policy is the complete runtime configuration.
type Policy struct {
	Ledger      LedgerConfig      `yaml:"ledger" json:"ledger"`
	Trace       TraceConfig       `yaml:"trace" json:"trace"`
	Fingerprint FingerprintConfig `yaml:"fingerprint" json:"fingerprint"`
	Audit       AuditConfig       `yaml:"audit" json:"audit"`
}

// Default returns the policy used when no file is given.
func Default() Policy {
	p := Policy{}
	p.applyDefaults()
	return p
}

// Load reads a policy file, applies environment overrides, fills defaults,
// and validates. path may be empty, in which case only environment and
// defaults apply.
func Load(path string) (Policy, error) {
	var p Policy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Policy{}, fmt.Errorf("load policy %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Policy{}, fmt.Errorf("parse policy %q: %w", path, err)
		}
	}
	if err := p.applyEnv(); err != nil {
		return Policy{}, err
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p *Policy) applyDefaults() {
	if p.Ledger.Path == "" {
		p.Ledger.Path = DefaultLedgerPath
	}
	if p.Ledger.MaxSizeBytes <= 0 {
		p.Ledger.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if p.Ledger.MaxFileCount <= 0 {
		p.Ledger.MaxFileCount = DefaultMaxFileCount
	}
	if p.Trace.StorePath == "" {
		p.Trace.StorePath = DefaultTraceStorePath
	}
	if p.Fingerprint.Root == "" {
		p.Fingerprint.Root = "."
	}
	if p.Audit.MaxStalenessSeconds <= 0 {
		p.Audit.MaxStalenessSeconds = DefaultMaxStalenessSeconds
	}
}

func (p *Policy) applyEnv() error {
	if v := os.Getenv("LEDGERCORE_LEDGER_PATH"); v != "" {
		p.Ledger.Path = v
	}
	if v := os.Getenv("LEDGERCORE_MAX_SIZE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LEDGERCORE_MAX_SIZE_BYTES: %w", err)
		}
		p.Ledger.MaxSizeBytes = n
	}
	if v := os.Getenv("LEDGERCORE_MAX_FILE_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGERCORE_MAX_FILE_COUNT: %w", err)
		}
		p.Ledger.MaxFileCount = n
	}
	if v := os.Getenv("LEDGERCORE_TRACE_STORE_PATH"); v != "" {
		p.Trace.StorePath = v
	}
	if v := os.Getenv("LEDGERCORE_MAX_STALENESS_SECONDS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LEDGERCORE_MAX_STALENESS_SECONDS: %w", err)
		}
		p.Audit.MaxStalenessSeconds = n
	}
	return nil
}

// Validate rejects configurations that would silently misbehave at runtime.
func (p Policy) Validate() error {
	if p.Ledger.MaxSizeBytes <= 0 {
		return fmt.Errorf("policy: ledger.max_size_bytes must be positive, got %d", p.Ledger.MaxSizeBytes)
	}
	if p.Ledger.MaxFileCount <= 0 {
		return fmt.Errorf("policy: ledger.max_file_count must be positive, got %d", p.Ledger.MaxFileCount)
	}
	if p.Audit.MaxStalenessSeconds <= 0 {
		return fmt.Errorf("policy: audit.max_staleness_seconds must be positive, got %d", p.Audit.MaxStalenessSeconds)
	}
	return nil
}
