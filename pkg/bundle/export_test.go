package bundle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestix/ledgercore/pkg/canonicalize"
	"github.com/attestix/ledgercore/pkg/event"
	"github.com/attestix/ledgercore/pkg/fingerprint"
	"github.com/attestix/ledgercore/pkg/freshness"
	"github.com/attestix/ledgercore/pkg/sink"
	"github.com/attestix/ledgercore/pkg/trace"
)

type fixture struct {
	sink     *sink.Sink
	registry *trace.Registry
	exporter *Exporter
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := sink.New(sink.Options{Path: filepath.Join(t.TempDir(), "logs", "events.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	r, err := trace.OpenPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	r.WithClock(func() time.Time { return now })

	cfgRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfgRoot, "policy.yaml"), []byte("retention: 30\n"), 0o600))

	exp := NewExporter(s, r, cfgRoot, []string{"*.yaml"}, nil).
		WithClock(func() time.Time { return now })

	return &fixture{sink: s, registry: r, exporter: exp, now: now}
}

func (f *fixture) writeEvent(t *testing.T, id string, ts time.Time) event.Event {
	t.Helper()
	ev := event.Event{
		EventID:    id,
		EventType:  "DECISION",
		Timestamp:  ts,
		AgentID:    "agent-1",
		Verb:       "approve",
		Target:     "payment",
		Decision:   "ALLOW",
		ReasonCode: "OK",
	}
	require.NoError(t, f.sink.Write(ev))
	return ev
}

func TestExportProducesVerifiableLayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeEvent(t, "ev-1", f.now.Add(-2*time.Minute))
	f.writeEvent(t, "ev-2", f.now.Add(-time.Minute))
	_, err := f.registry.RegisterLink(ctx, trace.DomainDecision, "D1", trace.DomainExecution, "E1", trace.LinkDecisionToExecution)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "bundle")
	res, err := f.exporter.Export(ctx, Request{Destination: dest})
	require.NoError(t, err)

	assert.Equal(t, 2, res.EventCount)
	assert.Equal(t, 1, res.LinkCount)
	assert.True(t, strings.HasPrefix(res.BundleID, "audit-"))
	assert.Len(t, res.BundleID, len("audit-")+12)

	for _, rel := range []string{ManifestFilename, EventsPath, TraceLinksPath,
		FingerprintPath, ScopePath, VerifyPath, freshness.ManifestFilename} {
		_, err := os.Stat(filepath.Join(dest, rel))
		assert.NoError(t, err, rel)
	}

	m, err := LoadManifest(dest)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	assert.Equal(t, res.BundleHash, m.BundleHash)
	assert.Equal(t, trace.GenesisHash, m.TraceAnchorHash)
	assert.Len(t, m.Entries, 6)

	// Every recorded entry hash matches the file on disk, and the bundle
	// hash is reproducible from the entries alone.
	for _, entry := range m.Entries {
		digest, size, err := canonicalize.HashFile(filepath.Join(dest, entry.Path))
		require.NoError(t, err)
		assert.Equal(t, entry.SHA256, digest, entry.Path)
		assert.Equal(t, entry.Size, size, entry.Path)
	}
	assert.Equal(t, m.BundleHash, BundleHash(m.Entries))
}

func TestExportWindowedSliceRecordsAnchor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	times := []time.Time{f.now.Add(-2 * time.Minute), f.now.Add(-time.Minute)}
	n := 0
	f.registry.WithClock(func() time.Time { ts := times[n]; n++; return ts })

	first, err := f.registry.RegisterLink(ctx, trace.DomainDecision, "D1", trace.DomainExecution, "E1", trace.LinkDecisionToExecution)
	require.NoError(t, err)
	second, err := f.registry.RegisterLink(ctx, trace.DomainExecution, "E1", trace.DomainSettlement, "S1", trace.LinkExecutionToSettlement)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "bundle")
	res, err := f.exporter.Export(ctx, Request{
		Destination: dest,
		Start:       f.now.Add(-90 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.LinkCount)

	// The slice starts at the second link, so it anchors to the first
	// link's hash rather than genesis.
	m, err := LoadManifest(dest)
	require.NoError(t, err)
	assert.Equal(t, first.LinkHash, m.TraceAnchorHash)
	assert.Equal(t, second.PrevHash, m.TraceAnchorHash)
}

func TestExportCopiesEventsByteExact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.writeEvent(t, "ev-1", f.now.Add(-time.Minute))
	want, err := ev.Encode()
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "bundle")
	_, err = f.exporter.Export(ctx, Request{Destination: dest})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, EventsPath))
	require.NoError(t, err)
	assert.Equal(t, string(want)+"\n", string(got))
}

func TestExportWindowFiltersEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeEvent(t, "ev-early", f.now.Add(-3*time.Hour))
	f.writeEvent(t, "ev-in", f.now.Add(-30*time.Minute))
	f.writeEvent(t, "ev-at-end", f.now)

	dest := filepath.Join(t.TempDir(), "bundle")
	res, err := f.exporter.Export(ctx, Request{
		Start:       f.now.Add(-time.Hour),
		End:         f.now, // exclusive
		Destination: dest,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventCount)

	data, err := os.ReadFile(filepath.Join(dest, EventsPath))
	require.NoError(t, err)
	assert.Contains(t, string(data), "ev-in")
	assert.NotContains(t, string(data), "ev-early")
	assert.NotContains(t, string(data), "ev-at-end")
}

func TestExportIncludesSealedFilesOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeEvent(t, "ev-1", f.now.Add(-3*time.Minute))
	require.NoError(t, f.sink.Rotate())
	f.writeEvent(t, "ev-2", f.now.Add(-2*time.Minute))
	require.NoError(t, f.sink.Rotate())
	f.writeEvent(t, "ev-3", f.now.Add(-time.Minute))

	dest := filepath.Join(t.TempDir(), "bundle")
	res, err := f.exporter.Export(ctx, Request{Destination: dest})
	require.NoError(t, err)
	assert.Equal(t, 3, res.EventCount)

	data, err := os.ReadFile(filepath.Join(dest, EventsPath))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ev-1")
	assert.Contains(t, lines[1], "ev-2")
	assert.Contains(t, lines[2], "ev-3")
}

func TestExportedLinksReplayAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.RegisterLink(ctx, trace.DomainDecision, "D1", trace.DomainExecution, "E1", trace.LinkDecisionToExecution)
	require.NoError(t, err)
	_, err = f.registry.RegisterLink(ctx, trace.DomainExecution, "E1", trace.DomainSettlement, "S1", trace.LinkExecutionToSettlement)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "bundle")
	_, err = f.exporter.Export(ctx, Request{Destination: dest})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, TraceLinksPath))
	require.NoError(t, err)
	var links []trace.Link
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		link, err := trace.DecodeLink([]byte(line))
		require.NoError(t, err)
		links = append(links, link)
	}
	require.Len(t, links, 2)
	assert.Equal(t, trace.GenesisHash, links[0].PrevHash)

	vr := trace.VerifyLinks(links)
	assert.True(t, vr.Valid)
	assert.Equal(t, 2, vr.Checked)
}

func TestExportDeterministicUnderFixedClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeEvent(t, "ev-1", f.now.Add(-time.Minute))
	_, err := f.registry.RegisterLink(ctx, trace.DomainDecision, "D1", trace.DomainExecution, "E1", trace.LinkDecisionToExecution)
	require.NoError(t, err)

	destA := filepath.Join(t.TempDir(), "a")
	destB := filepath.Join(t.TempDir(), "b")
	resA, err := f.exporter.Export(ctx, Request{Destination: destA})
	require.NoError(t, err)
	resB, err := f.exporter.Export(ctx, Request{Destination: destB})
	require.NoError(t, err)

	// bundle_id is export metadata and differs; the evidence content does not.
	assert.NotEqual(t, resA.BundleID, resB.BundleID)
	assert.Equal(t, resA.BundleHash, resB.BundleHash)
}

func TestExportReadOnlyOnSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeEvent(t, "ev-1", f.now.Add(-time.Minute))
	before, err := os.ReadFile(f.sink.Path())
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "bundle")
	_, err = f.exporter.Export(ctx, Request{Destination: dest})
	require.NoError(t, err)

	after, err := os.ReadFile(f.sink.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after, "export must not mutate the active ledger")

	// The ledger stays writable after export.
	f.writeEvent(t, "ev-2", f.now)
}

func TestExportFreshnessSourcesRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeEvent(t, "ev-1", f.now.Add(-10*time.Minute))

	dest := filepath.Join(t.TempDir(), "bundle")
	_, err := f.exporter.Export(ctx, Request{Destination: dest, MaxStalenessSeconds: 3600})
	require.NoError(t, err)

	m, err := freshness.Load(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), m.MaxStalenessSeconds)
	for _, source := range []string{"events", "trace_links", "fingerprint", "bundle"} {
		assert.Contains(t, m.SourceTimestamps, source)
	}
	assert.True(t, m.SourceTimestamps["events"].Timestamp.Equal(f.now.Add(-10*time.Minute)))

	res := freshness.Evaluate(m, f.now)
	assert.True(t, res.Fresh)
}

func TestExportFingerprintCoversConfigSurface(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeEvent(t, "ev-1", f.now.Add(-time.Minute))

	dest := filepath.Join(t.TempDir(), "bundle")
	_, err := f.exporter.Export(ctx, Request{Destination: dest})
	require.NoError(t, err)

	fp, err := fingerprint.Load(filepath.Join(dest, "fingerprint"))
	require.NoError(t, err)
	require.Len(t, fp.Files, 1)
	assert.Equal(t, "policy.yaml", fp.Files[0].Path)
	assert.Equal(t, fingerprint.Composite(fp.Files), fp.CompositeHash)
}
