package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "chain":
		return runChainCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: ledgerctl <command> [flags]

Commands:
  export   Export an offline-verifiable audit bundle
  verify   Verify an audit bundle
  chain    Inspect or verify the trace-link chain
  status   Show ledger retention status

Run 'ledgerctl <command> -h' for command flags.`)
}

func newLogger(stderr io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
