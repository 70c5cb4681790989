package verifier

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestix/ledgercore/pkg/bundle"
	"github.com/attestix/ledgercore/pkg/event"
	"github.com/attestix/ledgercore/pkg/sink"
	"github.com/attestix/ledgercore/pkg/trace"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// exportTestBundle builds a small but complete bundle: two events, a
// two-link trace chain, and a one-file fingerprint surface.
func exportTestBundle(t *testing.T) string {
	t.Helper()

	s, err := sink.New(sink.Options{Path: filepath.Join(t.TempDir(), "logs", "events.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for i, id := range []string{"ev-1", "ev-2"} {
		require.NoError(t, s.Write(event.Event{
			EventID:   id,
			EventType: "DECISION",
			Timestamp: fixedNow.Add(time.Duration(i-2) * time.Minute),
			AgentID:   "agent-1",
			Verb:      "approve",
			Target:    "payment",
			Decision:  "ALLOW",
		}))
	}

	r, err := trace.OpenPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	r.WithClock(func() time.Time { return fixedNow })

	ctx := context.Background()
	_, err = r.RegisterLink(ctx, trace.DomainDecision, "D1", trace.DomainExecution, "E1", trace.LinkDecisionToExecution)
	require.NoError(t, err)
	_, err = r.RegisterLink(ctx, trace.DomainExecution, "E1", trace.DomainSettlement, "S1", trace.LinkExecutionToSettlement)
	require.NoError(t, err)

	cfgRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfgRoot, "policy.yaml"), []byte("retention: 30\n"), 0o600))

	dest := filepath.Join(t.TempDir(), "bundle")
	exp := bundle.NewExporter(s, r, cfgRoot, []string{"*.yaml"}, nil).
		WithClock(func() time.Time { return fixedNow })
	_, err = exp.Export(ctx, bundle.Request{Destination: dest, MaxStalenessSeconds: 3600})
	require.NoError(t, err)
	return dest
}

func checkByName(t *testing.T, rep *Report, name string) Check {
	t.Helper()
	for _, c := range rep.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not in report", name)
	return Check{}
}

func TestVerifyIntactBundlePasses(t *testing.T) {
	dest := exportTestBundle(t)

	rep, err := VerifyAt(dest, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, rep.Verified, rep.Summary)
	assert.Equal(t, 0, rep.IssueCount)
	assert.Len(t, rep.Checks, 6)
	assert.True(t, strings.HasPrefix(rep.Summary, "PASS"))
	for _, c := range rep.Checks {
		assert.True(t, c.Pass, c.Name)
	}
}

func TestVerifyFlippedByteNamesFile(t *testing.T) {
	dest := exportTestBundle(t)
	eventsPath := filepath.Join(dest, bundle.EventsPath)
	data, err := os.ReadFile(eventsPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, os.WriteFile(eventsPath, data, 0o600))

	rep, err := VerifyAt(dest, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, rep.Verified)

	c := checkByName(t, rep, CheckArtifacts)
	assert.False(t, c.Pass)
	assert.Equal(t, ReasonArtifactTampered, c.Reason)
	assert.Contains(t, c.Detail, bundle.EventsPath)
}

func TestVerifyMissingManifestFails(t *testing.T) {
	dest := exportTestBundle(t)
	require.NoError(t, os.Remove(filepath.Join(dest, bundle.ManifestFilename)))

	rep, err := VerifyAt(dest, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, rep.Verified)
	c := checkByName(t, rep, CheckStructure)
	assert.Equal(t, ReasonManifestMissing, c.Reason)
}

func TestVerifyMalformedManifestFails(t *testing.T) {
	dest := exportTestBundle(t)
	path := filepath.Join(dest, bundle.ManifestFilename)
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	rep, err := VerifyAt(dest, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, rep.Verified)
	c := checkByName(t, rep, CheckStructure)
	assert.Equal(t, ReasonManifestMalformed, c.Reason)
}

func TestVerifyIncompatibleSchemaVersionFails(t *testing.T) {
	dest := exportTestBundle(t)
	m, err := bundle.LoadManifest(dest)
	require.NoError(t, err)
	m.SchemaVersion = "2.0.0"
	require.NoError(t, bundle.WriteManifest(dest, m))

	rep, err := VerifyAt(dest, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, rep.Verified)
	c := checkByName(t, rep, CheckSchemaVersion)
	assert.Equal(t, ReasonSchemaIncompatible, c.Reason)
	assert.Contains(t, c.Detail, "2.0.0")
}

func TestVerifyForgedBundleHashFails(t *testing.T) {
	dest := exportTestBundle(t)
	m, err := bundle.LoadManifest(dest)
	require.NoError(t, err)
	m.BundleHash = strings.Repeat("ab", 32)
	require.NoError(t, bundle.WriteManifest(dest, m))

	rep, err := VerifyAt(dest, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, rep.Verified)
	c := checkByName(t, rep, CheckBundleHash)
	assert.Equal(t, ReasonBundleHashMismatch, c.Reason)
}

func TestVerifyStaleEvidenceFails(t *testing.T) {
	dest := exportTestBundle(t)

	rep, err := VerifyAt(dest, fixedNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, rep.Verified)
	c := checkByName(t, rep, CheckFreshness)
	assert.Equal(t, ReasonEvidenceStale, c.Reason)
	assert.Contains(t, c.Detail, "exceeds limit by")
}

func TestVerifyMissingFreshnessManifestFailsClosed(t *testing.T) {
	dest := exportTestBundle(t)
	require.NoError(t, os.Remove(filepath.Join(dest, "FRESHNESS_MANIFEST.json")))

	rep, err := VerifyAt(dest, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, rep.Verified)
	c := checkByName(t, rep, CheckFreshness)
	assert.Equal(t, ReasonEvidenceStale, c.Reason)
}

func TestVerifyTamperedTraceLinkFails(t *testing.T) {
	dest := exportTestBundle(t)
	path := filepath.Join(dest, bundle.TraceLinksPath)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &doc))
	doc["to_ref"] = "S1-forged"
	forged, err := json.Marshal(doc)
	require.NoError(t, err)
	lines[1] = string(forged)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	rep, err := VerifyAt(dest, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, rep.Verified)

	c := checkByName(t, rep, CheckTraceChain)
	assert.Equal(t, ReasonTraceChainBroken, c.Reason)
	assert.Contains(t, c.Detail, "link 1")

	// The rewritten file also trips the artifact hashes.
	a := checkByName(t, rep, CheckArtifacts)
	assert.False(t, a.Pass)
}

func TestVerifyWindowedExportPasses(t *testing.T) {
	s, err := sink.New(sink.Options{Path: filepath.Join(t.TempDir(), "logs", "events.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Write(event.Event{
		EventID:   "ev-1",
		EventType: "DECISION",
		Timestamp: fixedNow.Add(-time.Minute),
		AgentID:   "agent-1",
		Verb:      "approve",
		Target:    "payment",
		Decision:  "ALLOW",
	}))

	r, err := trace.OpenPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	times := []time.Time{fixedNow.Add(-2 * time.Minute), fixedNow.Add(-time.Minute)}
	n := 0
	r.WithClock(func() time.Time { ts := times[n]; n++; return ts })

	ctx := context.Background()
	first, err := r.RegisterLink(ctx, trace.DomainDecision, "D1", trace.DomainExecution, "E1", trace.LinkDecisionToExecution)
	require.NoError(t, err)
	_, err = r.RegisterLink(ctx, trace.DomainExecution, "E1", trace.DomainSettlement, "S1", trace.LinkExecutionToSettlement)
	require.NoError(t, err)

	cfgRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfgRoot, "policy.yaml"), []byte("retention: 30\n"), 0o600))

	// The window excludes the first link, so the exported slice starts
	// mid-chain and must still verify against the recorded anchor.
	dest := filepath.Join(t.TempDir(), "bundle")
	exp := bundle.NewExporter(s, r, cfgRoot, []string{"*.yaml"}, nil).
		WithClock(func() time.Time { return fixedNow })
	res, err := exp.Export(ctx, bundle.Request{
		Destination:         dest,
		Start:               fixedNow.Add(-90 * time.Second),
		MaxStalenessSeconds: 3600,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.LinkCount)

	m, err := bundle.LoadManifest(dest)
	require.NoError(t, err)
	assert.Equal(t, first.LinkHash, m.TraceAnchorHash)
	assert.NotEqual(t, trace.GenesisHash, m.TraceAnchorHash)

	rep, err := VerifyAt(dest, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, rep.Verified, rep.Summary)
	for _, c := range rep.Checks {
		assert.True(t, c.Pass, c.Name)
	}
}

func TestVerifyForgedAnchorHashFails(t *testing.T) {
	dest := exportTestBundle(t)
	m, err := bundle.LoadManifest(dest)
	require.NoError(t, err)
	assert.Equal(t, trace.GenesisHash, m.TraceAnchorHash)
	m.TraceAnchorHash = strings.Repeat("cd", 32)
	require.NoError(t, bundle.WriteManifest(dest, m))

	rep, err := VerifyAt(dest, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, rep.Verified)
	c := checkByName(t, rep, CheckTraceChain)
	assert.Equal(t, ReasonTraceChainBroken, c.Reason)
	assert.Contains(t, c.Detail, "manifest anchor")
}

func TestVerifyChecksAlwaysEnumerated(t *testing.T) {
	dest := exportTestBundle(t)
	eventsPath := filepath.Join(dest, bundle.EventsPath)
	data, err := os.ReadFile(eventsPath)
	require.NoError(t, err)
	data[0] ^= 0x01
	require.NoError(t, os.WriteFile(eventsPath, data, 0o600))

	rep, err := VerifyAt(dest, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, rep.Verified)
	assert.Len(t, rep.Checks, 6, "a failure must not short-circuit later checks")
	assert.True(t, strings.HasPrefix(rep.Summary, "FAIL"))
	assert.Equal(t, 1, rep.IssueCount)
}
