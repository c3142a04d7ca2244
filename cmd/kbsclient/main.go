// Package main is a binary wrapper package around cmd.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/google/go-kbs-client/cmd"
	"github.com/google/go-kbs-client/kbs"
)

// GoReleaser will populates those fields
// https://goreleaser.com/cookbooks/using-main.version/
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	tdxGuestVersion = "unknown"
	sevGuestVersion = "unknown"
	tpmToolsVersion = "unknown"
	sevGuest        = "github.com/google/go-sev-guest"
	tdxGuest        = "github.com/google/go-tdx-guest"
	tpmTools        = "github.com/google/go-tpm-tools"
)

func main() {
	if info, ok := debug.ReadBuildInfo(); ok {
		if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
		for _, dep := range info.Deps {
			switch dep.Path {
			case sevGuest:
				sevGuestVersion = dep.Version
			case tdxGuest:
				tdxGuestVersion = dep.Version
			case tpmTools:
				tpmToolsVersion = dep.Version
			}
		}
	}

	kbs.Version = version
	cmd.RootCmd.Version = fmt.Sprintf("%s, commit %s, built at %s\n- go-sev-guest version %s\n- go-tdx-guest version %s\n- go-tpm-tools version %s",
		version, commit, date, sevGuestVersion, tdxGuestVersion, tpmToolsVersion)

	if cmd.RootCmd.Execute() != nil {
		os.Exit(1)
	}
}
