package main

import (
	"os"

	"github.com/heimdall-sbom/heimdall/cmd/heimdall/cmds"
	"github.com/heimdall-sbom/heimdall/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.HeimdallVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
