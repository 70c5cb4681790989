// Package bundle assembles portable, offline-verifiable audit bundles from
// the event ledger, the trace registry, and the configuration fingerprint.
// Export is read-only on every source: nothing in the ledger or the registry
// is mutated, sealed, or truncated by exporting.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersion of the bundle manifest format.
	SchemaVersion = "1.0.0"

	// Creator identifies the producing tool in the manifest.
	Creator = "ledgercore audit exporter"

	// ManifestFilename is the top-level bundle manifest.
	ManifestFilename = "AUDIT_MANIFEST.json"

	// Well-known paths inside a bundle, relative to the bundle root.
	EventsPath      = "events/events.jsonl"
	TraceLinksPath  = "trace/links.jsonl"
	FingerprintPath = "fingerprint/fingerprint.json"
	ScopePath       = "scope/scope.json"
	VerifyPath      = "VERIFY.md"
)

// Entry is one hashed file in the manifest, path relative to the bundle root.
type Entry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ExportParameters records the window and source the bundle was cut from.
// These are provenance metadata, not covered by determinism guarantees.
type ExportParameters struct {
	Start      *time.Time `json:"start_time"`
	End        *time.Time `json:"end_time"`
	SourcePath string     `json:"source_log_path"`
}

// Manifest is AUDIT_MANIFEST.json. The manifest hashes every other file in
// the bundle; it cannot hash itself, so verification recomputes entry hashes
// and the bundle hash from the files on disk.
type Manifest struct {
	SchemaVersion    string           `json:"schema_version"`
	BundleID         string           `json:"bundle_id"`
	CreatedAt        time.Time        `json:"created_at"`
	CreatedBy        string           `json:"created_by"`
	ExportParameters ExportParameters `json:"export_parameters"`
	Entries          []Entry          `json:"entries"`
	BundleHash       string           `json:"bundle_hash"`

	// TraceAnchorHash is the prev_hash the first exported trace link chains
	// from. Genesis for an export unbounded at the start; for a windowed
	// export it anchors the slice so verification does not demand genesis
	// from a chain segment that legitimately starts mid-chain.
	TraceAnchorHash string `json:"trace_anchor_hash"`
}

// BundleHash is the SHA-256 of all entry hashes concatenated in sorted
// order. Sorting the hashes, not the paths, keeps the computation reproducible
// from the manifest alone.
func BundleHash(entries []Entry) string {
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.SHA256
	}
	sort.Strings(hashes)
	h := sha256.New()
	for _, digest := range hashes {
		h.Write([]byte(digest))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NewBundleID generates an identifier of the form audit-<12 hex chars>.
func NewBundleID() string {
	u := uuid.New()
	return "audit-" + hex.EncodeToString(u[:])[:12]
}

// WriteManifest stores the manifest at the bundle root.
func WriteManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFilename)
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write bundle manifest: %w", err)
	}
	return nil
}

// LoadManifest reads AUDIT_MANIFEST.json from the bundle root.
func LoadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return Manifest{}, fmt.Errorf("read bundle manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse bundle manifest: %w", err)
	}
	return m, nil
}
