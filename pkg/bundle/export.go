package bundle

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/attestix/ledgercore/pkg/canonicalize"
	"github.com/attestix/ledgercore/pkg/event"
	"github.com/attestix/ledgercore/pkg/fingerprint"
	"github.com/attestix/ledgercore/pkg/freshness"
	"github.com/attestix/ledgercore/pkg/sink"
	"github.com/attestix/ledgercore/pkg/trace"
)

// Request describes one export. Zero Start/End mean unbounded on that side;
// End is exclusive.
type Request struct {
	Start               time.Time
	End                 time.Time
	MaxStalenessSeconds int64
	Destination         string
}

// Result summarizes a completed export.
type Result struct {
	Path       string    `json:"path"`
	BundleID   string    `json:"bundle_id"`
	BundleHash string    `json:"bundle_hash"`
	CreatedAt  time.Time `json:"created_at"`
	EventCount int       `json:"event_count"`
	LinkCount  int       `json:"link_count"`
	FileCount  int       `json:"file_count"`
}

// Exporter cuts audit bundles from a live sink and registry.
type Exporter struct {
	sink       *sink.Sink
	registry   *trace.Registry
	fpRoot     string
	fpPatterns []string
	logger     *slog.Logger
	clock      func() time.Time
}

// NewExporter wires an exporter over its evidence sources. fpRoot and
// fpPatterns locate the configuration surface to fingerprint; an empty
// pattern list produces an empty (but still present) fingerprint.
func NewExporter(s *sink.Sink, r *trace.Registry, fpRoot string, fpPatterns []string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		sink:       s,
		registry:   r,
		fpRoot:     fpRoot,
		fpPatterns: fpPatterns,
		logger:     logger.With("component", "exporter"),
		clock:      time.Now,
	}
}

// WithClock replaces the wall clock. Test hook.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export writes a complete bundle under req.Destination. Sources are only
// read; the active ledger file is snapshotted under the writer lock so the
// copy never contains a torn line. All content except export metadata
// (bundle_id, created_at, generated_at timestamps) is a deterministic
// function of the sources and the window.
func (e *Exporter) Export(ctx context.Context, req Request) (Result, error) {
	now := e.clock().UTC()
	bundleID := NewBundleID()

	if req.Destination == "" {
		return Result{}, fmt.Errorf("export: destination is required")
	}
	if req.MaxStalenessSeconds <= 0 {
		req.MaxStalenessSeconds = freshness.DefaultMaxStalenessSeconds
	}
	for _, sub := range []string{"events", "trace", "fingerprint", "scope"} {
		if err := os.MkdirAll(filepath.Join(req.Destination, sub), 0o750); err != nil {
			return Result{}, fmt.Errorf("export: create bundle dir: %w", err)
		}
	}

	eventCount, latestEvent, err := e.exportEvents(req)
	if err != nil {
		return Result{}, err
	}

	linkCount, latestLink, anchorHash, err := e.exportLinks(ctx, req)
	if err != nil {
		return Result{}, err
	}

	fp, err := fingerprint.Compute(now, e.fpRoot, e.fpPatterns)
	if err != nil {
		return Result{}, fmt.Errorf("export: %w", err)
	}
	if err := fingerprint.Write(filepath.Join(req.Destination, "fingerprint"), fp); err != nil {
		return Result{}, fmt.Errorf("export: %w", err)
	}

	if err := e.writeScope(req, eventCount, linkCount, len(fp.Files)); err != nil {
		return Result{}, err
	}
	if err := writeVerifyInstructions(req.Destination); err != nil {
		return Result{}, err
	}

	if latestEvent.IsZero() {
		latestEvent = now
	}
	if latestLink.IsZero() {
		latestLink = now
	}
	fresh := freshness.New(now, req.MaxStalenessSeconds, map[string]freshness.Source{
		"events":      {Timestamp: latestEvent, Description: "Most recent exported event timestamp"},
		"trace_links": {Timestamp: latestLink, Description: "Most recent exported trace link timestamp"},
		"fingerprint": {Timestamp: now, Description: "Fingerprint computation timestamp"},
		"bundle":      {Timestamp: now, Description: "Bundle creation timestamp"},
	})
	if err := freshness.Write(req.Destination, fresh); err != nil {
		return Result{}, fmt.Errorf("export: %w", err)
	}

	entries, err := hashBundleFiles(req.Destination)
	if err != nil {
		return Result{}, err
	}

	manifest := Manifest{
		SchemaVersion: SchemaVersion,
		BundleID:      bundleID,
		CreatedAt:     now,
		CreatedBy:     Creator,
		ExportParameters: ExportParameters{
			Start:      optionalTime(req.Start),
			End:        optionalTime(req.End),
			SourcePath: e.sink.Path(),
		},
		Entries:         entries,
		BundleHash:      BundleHash(entries),
		TraceAnchorHash: anchorHash,
	}
	if err := WriteManifest(req.Destination, manifest); err != nil {
		return Result{}, fmt.Errorf("export: %w", err)
	}

	e.logger.Info("audit bundle exported",
		"bundle_id", bundleID,
		"bundle_hash", manifest.BundleHash,
		"events", eventCount,
		"links", linkCount,
		"files", len(entries))

	return Result{
		Path:       req.Destination,
		BundleID:   bundleID,
		BundleHash: manifest.BundleHash,
		CreatedAt:  now,
		EventCount: eventCount,
		LinkCount:  linkCount,
		FileCount:  len(entries),
	}, nil
}

// exportEvents copies matching event lines byte-exactly into the bundle,
// oldest file first so replay order is preserved. The active file is read
// from a snapshot, never directly.
func (e *Exporter) exportEvents(req Request) (int, time.Time, error) {
	out, err := os.OpenFile(filepath.Join(req.Destination, EventsPath),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("export: create events file: %w", err)
	}
	defer out.Close()

	var (
		count  int
		latest time.Time
	)
	copyLine := func(raw []byte, ev event.Event) error {
		if !inWindow(ev.Timestamp, req.Start, req.End) {
			return nil
		}
		if _, err := out.Write(append(raw, '\n')); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		count++
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
		return nil
	}

	sealed, err := e.sink.SealedFiles()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("export: %w", err)
	}
	for _, path := range sealed {
		if err := sink.ScanFile(path, copyLine); err != nil {
			return 0, time.Time{}, fmt.Errorf("export: %w", err)
		}
	}

	var active bytes.Buffer
	if err := e.sink.SnapshotActive(&active); err != nil {
		return 0, time.Time{}, fmt.Errorf("export: %w", err)
	}
	scanner := bufio.NewScanner(&active)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, err := event.Decode(line)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("export: active snapshot: %w", err)
		}
		raw := append([]byte(nil), line...)
		if err := copyLine(raw, ev); err != nil {
			return 0, time.Time{}, fmt.Errorf("export: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, time.Time{}, fmt.Errorf("export: scan active snapshot: %w", err)
	}

	if err := out.Sync(); err != nil {
		return 0, time.Time{}, fmt.Errorf("export: sync events file: %w", err)
	}
	return count, latest, nil
}

// exportLinks writes the trace slice as canonical JSONL, ordered by sequence.
// The returned anchor hash is the prev_hash the slice chains from: genesis
// when nothing precedes the window, otherwise the hash of the last link
// before it.
func (e *Exporter) exportLinks(ctx context.Context, req Request) (int, time.Time, string, error) {
	var (
		links []trace.Link
		err   error
	)
	if req.Start.IsZero() && req.End.IsZero() {
		links, err = e.registry.All(ctx)
	} else {
		end := req.End
		if end.IsZero() {
			end = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
		}
		links, err = e.registry.ExportRange(ctx, req.Start, end)
	}
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("export: %w", err)
	}

	anchor := trace.GenesisHash
	if len(links) > 0 {
		anchor = links[0].PrevHash
	}

	out, err := os.OpenFile(filepath.Join(req.Destination, TraceLinksPath),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("export: create trace file: %w", err)
	}
	defer out.Close()

	var latest time.Time
	for _, link := range links {
		line, err := link.Encode()
		if err != nil {
			return 0, time.Time{}, "", fmt.Errorf("export: %w", err)
		}
		if _, err := out.Write(append(line, '\n')); err != nil {
			return 0, time.Time{}, "", fmt.Errorf("export: write link: %w", err)
		}
		if link.Timestamp.After(latest) {
			latest = link.Timestamp
		}
	}
	if err := out.Sync(); err != nil {
		return 0, time.Time{}, "", fmt.Errorf("export: sync trace file: %w", err)
	}
	return len(links), latest, anchor, nil
}

// writeScope declares what the bundle includes, excludes, and assumes.
func (e *Exporter) writeScope(req Request, eventCount, linkCount, fpFileCount int) error {
	scope := map[string]any{
		"schema_version": SchemaVersion,
		"included": map[string]any{
			"events": map[string]any{
				"description":  "Governance events within the export window",
				"source":       e.sink.Path(),
				"count":        eventCount,
				"time_bounded": !req.Start.IsZero() || !req.End.IsZero(),
			},
			"trace_links": map[string]any{
				"description": "Hash-chained trace links within the export window",
				"count":       linkCount,
			},
			"fingerprint": map[string]any{
				"description": "Hashes of the configuration files in force at export time",
				"file_count":  fpFileCount,
			},
		},
		"excluded": map[string]any{
			"raw_source_code": "Source files are not included, only hashes",
			"secrets":         "No credentials or keys are exported",
			"user_data":       "No PII beyond what events themselves carry",
		},
		"assumptions": map[string]any{
			"source_integrity": "Ledger files are append-only and unmodified",
			"hash_algorithm":   "SHA-256 for all digests",
			"timestamp_source": "System clock at export time",
		},
		"limitations": map[string]any{
			"completeness": "Only events within the export window and retention bound",
			"retention":    "Events past the rotation bound are no longer available",
		},
	}
	data, err := canonicalize.Canonicalize(scope)
	if err != nil {
		return fmt.Errorf("export: scope: %w", err)
	}
	path := filepath.Join(req.Destination, ScopePath)
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("export: write scope: %w", err)
	}
	return nil
}

const verifyInstructions = `# Audit Bundle Verification

## Quick verification

    ledgerctl verify --bundle <bundle_path>

Expected output ends with PASS and an enumerated list of checks.

## Manual verification

1. Compute the SHA-256 of each file listed under "entries" in
   AUDIT_MANIFEST.json and compare against the recorded "sha256" values.
2. Sort all entry hashes, concatenate them, compute the SHA-256 of the
   concatenation, and compare against "bundle_hash".
3. Replay trace/links.jsonl: each link's prev_hash must equal the previous
   link's link_hash, the first link's prev_hash must equal the manifest's
   "trace_anchor_hash" (sixty-four zero characters when the export window
   is unbounded at the start), and each link_hash must equal the SHA-256 of
   the link's canonicalized fields concatenated with its prev_hash.
4. Check FRESHNESS_MANIFEST.json: every source timestamp must be within
   max_staleness_seconds of the verification time.

## What this proves

- Included files are unmodified since export.
- Trace links form an unbroken hash chain.
- Evidence was recent at verification time.

## What this does not prove

- Absence of events (only presence of recorded events).
- Correctness of the systems that emitted the events.
`

func writeVerifyInstructions(dir string) error {
	path := filepath.Join(dir, VerifyPath)
	if err := os.WriteFile(path, []byte(verifyInstructions), 0o600); err != nil {
		return fmt.Errorf("export: write verify instructions: %w", err)
	}
	return nil
}

// hashBundleFiles hashes every regular file in the bundle except the
// manifest itself, returning entries sorted by path.
func hashBundleFiles(root string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestFilename {
			return nil
		}
		digest, size, err := canonicalize.HashFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Path: rel, SHA256: digest, Size: size})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export: hash bundle files: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func inWindow(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && !ts.Before(end) {
		return false
	}
	return true
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
