package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/attestix/ledgercore/pkg/bundle"
	"github.com/attestix/ledgercore/pkg/config"
	"github.com/attestix/ledgercore/pkg/sink"
	"github.com/attestix/ledgercore/pkg/trace"
)

// runExportCmd implements `ledgerctl export`.
//
// Exit codes:
//
//	0 = bundle exported
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		out        string
		startStr   string
		endStr     string
		staleness  int64
	)
	cmd.StringVar(&configPath, "config", "", "Path to policy YAML (optional)")
	cmd.StringVar(&out, "out", "", "Destination directory for the bundle (REQUIRED)")
	cmd.StringVar(&startStr, "start", "", "Window start, RFC 3339 (inclusive)")
	cmd.StringVar(&endStr, "end", "", "Window end, RFC 3339 (exclusive)")
	cmd.Int64Var(&staleness, "staleness", 0, "Max staleness in seconds (default from policy)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if out == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --out is required")
		return 2
	}

	start, end, err := parseWindow(startStr, endStr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	policy, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if staleness <= 0 {
		staleness = policy.Audit.MaxStalenessSeconds
	}

	logger := newLogger(stderr)

	s, err := sink.New(sink.Options{
		Path:         policy.Ledger.Path,
		MaxSizeBytes: policy.Ledger.MaxSizeBytes,
		MaxFileCount: policy.Ledger.MaxFileCount,
		Logger:       logger,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open ledger: %v\n", err)
		return 2
	}
	defer s.Close()

	registry, err := trace.OpenPath(policy.Trace.StorePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open trace store: %v\n", err)
		return 2
	}
	defer registry.Close()

	exporter := bundle.NewExporter(s, registry, policy.Fingerprint.Root, policy.Fingerprint.Patterns, logger)
	res, err := exporter.Export(context.Background(), bundle.Request{
		Start:               start,
		End:                 end,
		MaxStalenessSeconds: staleness,
		Destination:         out,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "Bundle exported: %s\n", res.Path)
	_, _ = fmt.Fprintf(stdout, "  bundle_id:   %s\n", res.BundleID)
	_, _ = fmt.Fprintf(stdout, "  bundle_hash: %s\n", res.BundleHash)
	_, _ = fmt.Fprintf(stdout, "  events:      %d\n", res.EventCount)
	_, _ = fmt.Fprintf(stdout, "  links:       %d\n", res.LinkCount)
	_, _ = fmt.Fprintf(stdout, "  files:       %d\n", res.FileCount)
	return 0
}

func parseWindow(startStr, endStr string) (start, end time.Time, err error) {
	if startStr != "" {
		start, err = time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
		}
	}
	if endStr != "" {
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
		}
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("--start must be before --end")
	}
	return start, end, nil
}
