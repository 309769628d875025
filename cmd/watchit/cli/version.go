package cli

import (
	"fmt"
	"runtime/debug"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func versionString() string {
	s := version
	if commit != "none" {
		s += fmt.Sprintf(" (commit %s)", commit)
	}
	if date != "unknown" {
		s += fmt.Sprintf(" built %s", date)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		s += " " + info.GoVersion
	}
	return s
}
