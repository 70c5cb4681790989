package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/attestix/ledgercore/pkg/config"
	"github.com/attestix/ledgercore/pkg/sink"
	"github.com/attestix/ledgercore/pkg/trace"
)

// runStatusCmd implements `ledgerctl status`: retention state of the event
// ledger plus the trace-chain head.
//
// Exit codes:
//
//	0 = status rendered
//	2 = runtime error
func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to policy YAML (optional)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output status as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	policy, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	s, err := sink.New(sink.Options{
		Path:         policy.Ledger.Path,
		MaxSizeBytes: policy.Ledger.MaxSizeBytes,
		MaxFileCount: policy.Ledger.MaxFileCount,
		Logger:       newLogger(stderr),
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open ledger: %v\n", err)
		return 2
	}
	defer s.Close()

	info, err := s.Retention()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	registry, err := trace.OpenPath(policy.Trace.StorePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open trace store: %v\n", err)
		return 2
	}
	defer registry.Close()

	linkCount, err := registry.Len(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		out := map[string]any{
			"retention":   info,
			"trace_head":  registry.Head(),
			"trace_links": linkCount,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "Ledger: %s\n", info.Path)
	_, _ = fmt.Fprintf(stdout, "  active size:  %d bytes (limit %d)\n", info.ActiveSize, info.MaxSizeBytes)
	_, _ = fmt.Fprintf(stdout, "  sealed files: %d (limit %d)\n", info.SealedCount, info.MaxFileCount)
	_, _ = fmt.Fprintf(stdout, "  total size:   %d bytes\n", info.TotalSizeBytes)
	if info.Failed {
		_, _ = fmt.Fprintln(stdout, "  state:        FAILED (writes are rejected)")
	} else {
		_, _ = fmt.Fprintln(stdout, "  state:        ok")
	}
	_, _ = fmt.Fprintf(stdout, "Trace: %d links, head %s\n", linkCount, registry.Head())
	return 0
}
