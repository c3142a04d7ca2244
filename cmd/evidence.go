package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var runtimeData string

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Produce TEE evidence over some report data",
	Long: `Produce evidence from the local TEE whose report data is the hex
encoded --runtime-data. The evidence is written to --output in the encoding of
the selected TEE.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rd, err := hex.DecodeString(runtimeData)
		if err != nil {
			return fmt.Errorf("decoding --runtime-data: %w", err)
		}
		p, closer, err := openEvidenceProvider()
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx := cmd.Context()
		evidence, err := p.GetEvidence(ctx, rd)
		if err != nil {
			return err
		}
		return writeOutput(evidence)
	},
}

func init() {
	RootCmd.AddCommand(evidenceCmd)
	addTeeFlags(evidenceCmd)
	addOutputFlag(evidenceCmd)
	evidenceCmd.PersistentFlags().StringVar(&runtimeData, "runtime-data", "",
		"hex encoded report data to bind into the evidence")
}
