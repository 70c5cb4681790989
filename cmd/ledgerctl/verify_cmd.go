package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/attestix/ledgercore/pkg/verifier"
)

// runVerifyCmd implements `ledgerctl verify`.
//
// Verifies an audit bundle offline: structure, hashes, bundle hash,
// freshness, and trace chain.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		jsonOutput bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "Path to audit bundle directory (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		return 2
	}

	report, err := verifier.Verify(bundlePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		renderReport(stdout, report)
	}

	if !report.Verified {
		return 1
	}
	return 0
}

func renderReport(w io.Writer, report *verifier.Report) {
	if report.Verified {
		_, _ = fmt.Fprintln(w, "Audit bundle verification PASSED")
	} else {
		_, _ = fmt.Fprintln(w, "Audit bundle verification FAILED")
	}
	_, _ = fmt.Fprintf(w, "Bundle: %s\n", report.Bundle)
	for _, c := range report.Checks {
		mark := "PASS"
		if !c.Pass {
			mark = "FAIL"
		}
		_, _ = fmt.Fprintf(w, "  [%s] %s", mark, c.Name)
		if c.Detail != "" {
			_, _ = fmt.Fprintf(w, ": %s", c.Detail)
		}
		_, _ = fmt.Fprintln(w)
	}
	_, _ = fmt.Fprintln(w, report.Summary)
}
