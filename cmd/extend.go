package cmd

import (
	"github.com/spf13/cobra"

	"github.com/google/go-kbs-client/attester"
)

var register int

var extendCmd = &cobra.Command{
	Use:   "extend <event>...",
	Short: "Extend runtime measurement events into a TEE register",
	Long: `Extend each event, in order, into the runtime measurement register
given by --register. A register of -1 selects the platform default.`,
	Example: "  kbsclient extend --tee az-snp-vtpm --register 8 'container:started'",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events := make([][]byte, len(args))
		for i, a := range args {
			events[i] = []byte(a)
		}
		p, closer, err := openEvidenceProvider()
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx := cmd.Context()
		return p.ExtendRuntimeMeasurement(ctx, events, register)
	},
}

func init() {
	RootCmd.AddCommand(extendCmd)
	addTeeFlags(extendCmd)
	extendCmd.PersistentFlags().IntVar(&register, "register", attester.DefaultRegister,
		"register index to extend")
}
