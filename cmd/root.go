// Package cmd contains a CLI to attest to a Key Broker Service, retrieve
// resources from it and run the agent server.
package cmd

import (
	"github.com/spf13/cobra"
)

// RootCmd is the entrypoint for kbsclient.
var RootCmd = &cobra.Command{
	Use:   "kbsclient",
	Short: "Attest to a Key Broker Service and retrieve protected resources",
	Long: `This tool attests the TEE it runs in to a Key Broker Service (KBS),
either directly or with a token from an attestation service, and fetches the
resources the KBS releases to it. It can also serve these operations to other
processes over a unix socket.`,
	SilenceUsage: true,
}

func init() {
	hideHelp(RootCmd)
	addLogFlags(RootCmd)
}
