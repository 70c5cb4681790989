// Package fingerprint hashes a configuration surface so a bundle can pin
// exactly which control files were in force at export time.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/attestix/ledgercore/pkg/canonicalize"
)

// Filename is the well-known fingerprint file inside a bundle's
// fingerprint/ directory.
const Filename = "fingerprint.json"

// File is one hashed file, path relative to the fingerprinted root.
type File struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Fingerprint pins a set of files and their composite digest.
type Fingerprint struct {
	GeneratedAt   time.Time `json:"generated_at"`
	Root          string    `json:"root"`
	Patterns      []string  `json:"patterns"`
	Files         []File    `json:"files"`
	CompositeHash string    `json:"composite_hash"`
}

// Compute hashes every file under root matching any of the glob patterns.
// Files are listed sorted by relative path, and the composite hash is the
// SHA-256 of the concatenated per-file digests in that order, so the result
// is independent of filesystem iteration order.
func Compute(at time.Time, root string, patterns []string) (Fingerprint, error) {
	fp := Fingerprint{
		GeneratedAt: at.UTC(),
		Root:        filepath.Base(root),
		Patterns:    patterns,
	}
	seen := make(map[string]bool)
	for _, pat := range patterns {
		matches, err := filepath.Glob(filepath.Join(root, pat))
		if err != nil {
			return Fingerprint{}, fmt.Errorf("fingerprint glob %q: %w", pat, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return Fingerprint{}, fmt.Errorf("fingerprint stat: %w", err)
			}
			if info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(root, match)
			if err != nil {
				return Fingerprint{}, fmt.Errorf("fingerprint rel: %w", err)
			}
			rel = filepath.ToSlash(rel)
			if seen[rel] {
				continue
			}
			seen[rel] = true
			digest, size, err := canonicalize.HashFile(match)
			if err != nil {
				return Fingerprint{}, fmt.Errorf("fingerprint hash %s: %w", rel, err)
			}
			fp.Files = append(fp.Files, File{Path: rel, SHA256: digest, Size: size})
		}
	}
	sort.Slice(fp.Files, func(i, j int) bool { return fp.Files[i].Path < fp.Files[j].Path })
	fp.CompositeHash = Composite(fp.Files)
	return fp, nil
}

// Composite digests the per-file hashes sorted by path.
func Composite(files []File) string {
	hashes := make([]string, len(files))
	sorted := append([]File(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for i, f := range sorted {
		hashes[i] = f.SHA256
	}
	h := sha256.New()
	for _, digest := range hashes {
		h.Write([]byte(digest))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Write stores the fingerprint as Filename inside dir.
func Write(dir string, fp Fingerprint) error {
	data, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fingerprint: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, Filename), append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write fingerprint: %w", err)
	}
	return nil
}

// Load reads Filename from dir.
func Load(dir string) (Fingerprint, error) {
	data, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		return Fingerprint{}, fmt.Errorf("read fingerprint: %w", err)
	}
	var fp Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return Fingerprint{}, fmt.Errorf("parse fingerprint: %w", err)
	}
	return fp, nil
}
