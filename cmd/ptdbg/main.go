package main

import (
	"os"

	"github.com/ptdbg/ptdbg/cmd/ptdbg/cmds"
	"github.com/ptdbg/ptdbg/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.PtdbgVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
