package main

import (
	"encoding/json"
	"io"

	"github.com/haasonsaas/nexus-mu/internal/apperr"
)

// exitCodeFor maps any error cobra's RunE returns onto a CLI exit code via
// apperr.Kind.ExitCode, falling back to the generic failure code for a
// plain (non-tagged) error.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if appErr, ok := err.(*apperr.Error); ok {
		return appErr.Kind.ExitCode()
	}
	return 1
}

// printJSON writes v as indented JSON, the format every CLI subcommand
// uses for machine-readable output (there is no separate table renderer:
// JSON is the wire format throughout, and one output shape keeps the CLI
// and HTTP surface trivially comparable).
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printErrorRecovery renders a failed command the way a failed HTTP call
// does: the {error, recovery} envelope from apperr.AsRecovery.
func printErrorRecovery(w io.Writer, err error, suggestions ...string) {
	_ = printJSON(w, apperr.AsRecovery(err, suggestions...))
}
