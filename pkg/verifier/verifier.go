// Package verifier re-checks an audit bundle offline. Verification needs
// nothing but the bundle directory and a clock: no network, no access to the
// systems that produced the evidence. Every check is fail-closed, so a
// missing or unreadable input is a FAIL, never a silent PASS.
package verifier

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/attestix/ledgercore/pkg/bundle"
	"github.com/attestix/ledgercore/pkg/canonicalize"
	"github.com/attestix/ledgercore/pkg/freshness"
	"github.com/attestix/ledgercore/pkg/trace"
)

// ErrArtifactIntegrity reports a hash mismatch between the manifest and the
// bundle contents.
var ErrArtifactIntegrity = errors.New("artifact integrity violation")

// Check names used in reports.
const (
	CheckStructure     = "structure"
	CheckSchemaVersion = "schema_version"
	CheckArtifacts     = "artifact_hashes"
	CheckBundleHash    = "bundle_hash"
	CheckFreshness     = "freshness"
	CheckTraceChain    = "trace_chain"
)

// Reason codes for failed checks.
const (
	ReasonManifestMissing      = "MANIFEST_MISSING"
	ReasonManifestMalformed    = "MANIFEST_MALFORMED"
	ReasonSchemaIncompatible   = "SCHEMA_INCOMPATIBLE"
	ReasonArtifactTampered     = "ARTIFACT_TAMPERED"
	ReasonBundleHashMismatch   = "BUNDLE_HASH_MISMATCH"
	ReasonEvidenceStale        = "EVIDENCE_STALE"
	ReasonTraceChainBroken     = "TRACE_CHAIN_BROKEN"
	ReasonTraceLinksUnreadable = "TRACE_LINKS_UNREADABLE"
)

// compatibleSchemas gates the manifest versions this verifier understands.
var compatibleSchemas = mustConstraint("^1.0.0")

func mustConstraint(expr string) *semver.Constraints {
	c, err := semver.NewConstraint(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// Check is one verification step's outcome.
type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Report is the complete verification verdict. Checks enumerates every step
// that ran, in order, so a FAIL names exactly what broke and everything else
// that was still validated.
type Report struct {
	Bundle     string    `json:"bundle"`
	Verified   bool      `json:"verified"`
	Timestamp  time.Time `json:"timestamp"`
	Checks     []Check   `json:"checks"`
	Summary    string    `json:"summary"`
	IssueCount int       `json:"issue_count"`
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Pass {
		r.Verified = false
		r.IssueCount++
	}
}

// Verify checks the bundle at path against the wall clock.
func Verify(path string) (*Report, error) {
	return VerifyAt(path, time.Now())
}

// VerifyAt checks the bundle with an injected verification time. All checks
// run even after a failure so the report is complete; the error return is
// reserved for being unable to produce a report at all.
func VerifyAt(path string, at time.Time) (*Report, error) {
	report := &Report{
		Bundle:    path,
		Verified:  true,
		Timestamp: at.UTC(),
	}

	manifest, ok := checkStructure(report, path)
	if ok {
		checkSchemaVersion(report, manifest)
		checkArtifacts(report, path, manifest)
		checkBundleHash(report, manifest)
	}
	checkFreshness(report, path, at)
	// Without a manifest there is no recorded anchor; fail closed by
	// demanding genesis.
	anchor := trace.GenesisHash
	if ok && manifest.TraceAnchorHash != "" {
		anchor = manifest.TraceAnchorHash
	}
	checkTraceChain(report, path, anchor)

	if report.Verified {
		report.Summary = fmt.Sprintf("PASS: %d checks passed", len(report.Checks))
	} else {
		report.Summary = fmt.Sprintf("FAIL: %d of %d checks failed", report.IssueCount, len(report.Checks))
	}
	return report, nil
}

func checkStructure(r *Report, path string) (bundle.Manifest, bool) {
	manifestPath := filepath.Join(path, bundle.ManifestFilename)
	if _, err := os.Stat(manifestPath); err != nil {
		r.add(Check{
			Name:   CheckStructure,
			Reason: ReasonManifestMissing,
			Detail: bundle.ManifestFilename + " not found",
		})
		return bundle.Manifest{}, false
	}
	manifest, err := bundle.LoadManifest(path)
	if err != nil {
		r.add(Check{
			Name:   CheckStructure,
			Reason: ReasonManifestMalformed,
			Detail: err.Error(),
		})
		return bundle.Manifest{}, false
	}
	r.add(Check{
		Name:   CheckStructure,
		Pass:   true,
		Detail: fmt.Sprintf("manifest %s with %d entries", manifest.BundleID, len(manifest.Entries)),
	})
	return manifest, true
}

func checkSchemaVersion(r *Report, m bundle.Manifest) {
	v, err := semver.NewVersion(m.SchemaVersion)
	if err != nil || !compatibleSchemas.Check(v) {
		r.add(Check{
			Name:   CheckSchemaVersion,
			Reason: ReasonSchemaIncompatible,
			Detail: fmt.Sprintf("schema_version %q is not supported", m.SchemaVersion),
		})
		return
	}
	r.add(Check{Name: CheckSchemaVersion, Pass: true, Detail: m.SchemaVersion})
}

// checkArtifacts recomputes every entry hash. A mismatch names the exact
// file; all entries are checked so one tampered file does not hide another.
func checkArtifacts(r *Report, path string, m bundle.Manifest) {
	var bad []string
	for _, entry := range m.Entries {
		digest, _, err := canonicalize.HashFile(filepath.Join(path, entry.Path))
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: unreadable", entry.Path))
			continue
		}
		if digest != entry.SHA256 {
			bad = append(bad, fmt.Sprintf("%s: hash mismatch", entry.Path))
		}
	}
	if len(bad) > 0 {
		r.add(Check{
			Name:   CheckArtifacts,
			Reason: ReasonArtifactTampered,
			Detail: strings.Join(bad, "; "),
		})
		return
	}
	r.add(Check{
		Name:   CheckArtifacts,
		Pass:   true,
		Detail: fmt.Sprintf("%d entries match", len(m.Entries)),
	})
}

func checkBundleHash(r *Report, m bundle.Manifest) {
	computed := bundle.BundleHash(m.Entries)
	if computed != m.BundleHash {
		r.add(Check{
			Name:   CheckBundleHash,
			Reason: ReasonBundleHashMismatch,
			Detail: fmt.Sprintf("recomputed %s, manifest says %s", computed, m.BundleHash),
		})
		return
	}
	r.add(Check{Name: CheckBundleHash, Pass: true, Detail: m.BundleHash})
}

func checkFreshness(r *Report, path string, at time.Time) {
	m, err := freshness.Load(path)
	if err != nil {
		r.add(Check{
			Name:   CheckFreshness,
			Reason: ReasonEvidenceStale,
			Detail: "freshness manifest unavailable: " + err.Error(),
		})
		return
	}
	res := freshness.Evaluate(m, at)
	if !res.Fresh {
		parts := make([]string, len(res.StaleSources))
		for i, s := range res.StaleSources {
			parts[i] = fmt.Sprintf("%s age %ds exceeds limit by %ds",
				s.Source, s.AgeSeconds, s.ExceededBySeconds)
		}
		r.add(Check{
			Name:   CheckFreshness,
			Reason: ReasonEvidenceStale,
			Detail: strings.Join(parts, "; "),
		})
		return
	}
	r.add(Check{
		Name:   CheckFreshness,
		Pass:   true,
		Detail: fmt.Sprintf("%d sources within %ds", res.SourceCount, m.MaxStalenessSeconds),
	})
}

// checkTraceChain replays the exported links against anchor, the prev_hash
// the manifest says the slice chains from. A windowed export legitimately
// starts mid-chain, so the genesis hash is required only when the manifest
// recorded it as the anchor.
func checkTraceChain(r *Report, path string, anchor string) {
	links, err := readLinks(filepath.Join(path, bundle.TraceLinksPath))
	if err != nil {
		r.add(Check{
			Name:   CheckTraceChain,
			Reason: ReasonTraceLinksUnreadable,
			Detail: err.Error(),
		})
		return
	}
	if len(links) == 0 {
		r.add(Check{Name: CheckTraceChain, Pass: true, Detail: "no links exported"})
		return
	}
	if links[0].PrevHash != anchor {
		r.add(Check{
			Name:   CheckTraceChain,
			Reason: ReasonTraceChainBroken,
			Detail: fmt.Sprintf("first link chains from %s, manifest anchor is %s",
				links[0].PrevHash, anchor),
		})
		return
	}
	res := trace.VerifyLinks(links)
	if !res.Valid {
		r.add(Check{
			Name:   CheckTraceChain,
			Reason: ReasonTraceChainBroken,
			Detail: fmt.Sprintf("link %d: %s", res.BrokenIndex, res.Reason),
		})
		return
	}
	r.add(Check{
		Name:   CheckTraceChain,
		Pass:   true,
		Detail: fmt.Sprintf("%d links verified", res.Checked),
	})
}

func readLinks(path string) ([]trace.Link, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace links: %w", err)
	}
	defer f.Close()

	var links []trace.Link
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		link, err := trace.DecodeLink([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("decode trace link: %w", err)
		}
		links = append(links, link)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan trace links: %w", err)
	}
	return links, nil
}
