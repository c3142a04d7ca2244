package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/google/go-kbs-client/kbc"
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt-payload",
	Short: "Decrypt a payload wrapped with a key held by the KBS",
	Long: `Read an annotation packet (JSON with "kid", "wrapped_data", "iv" and
"wrap_type") from --input, fetch the key named by "kid" from the KBS and write
the unwrapped payload to --output.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var packet kbc.AnnotationPacket
		if err := json.NewDecoder(dataInput()).Decode(&packet); err != nil {
			return fmt.Errorf("reading annotation packet: %w", err)
		}
		logger := newLogger()
		p, closer, err := openEvidenceProvider()
		if err != nil {
			return err
		}
		defer closer.Close()
		c, err := newKBSClient(logger, p)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		plain, err := kbc.New(c).DecryptPayload(ctx, packet)
		if err != nil {
			return err
		}
		return writeOutput(plain)
	},
}

func init() {
	RootCmd.AddCommand(decryptCmd)
	addKBSFlags(decryptCmd)
	addInputFlag(decryptCmd)
	addOutputFlag(decryptCmd)
}
