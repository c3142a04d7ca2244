package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/google/go-kbs-client/resource"
)

var getResourceCmd = &cobra.Command{
	Use:   "get-resource <kbs-uri>",
	Short: "Attest to the KBS and fetch a resource",
	Long: `Attest to the KBS given by --kbs-url and fetch the resource named by a
resource URI of the form kbs://[<host>]/<repository>/<type>/<tag>. The
decrypted resource is written to --output.`,
	Example: "  kbsclient get-resource --kbs-url https://kbs.example.com:8080 kbs:///default/key/1",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uri, err := resource.Parse(args[0])
		if err != nil {
			return err
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

		ctx := cmd.Context()
		data, err := c.GetResource(ctx, uri)
		if err != nil {
			return errors.Join(err, c.Close())
		}
		if err := c.Close(); err != nil {
			logger.Warn("closing KBS client", "err", err)
		}
		return writeOutput(data)
	},
}

func init() {
	RootCmd.AddCommand(getResourceCmd)
	addKBSFlags(getResourceCmd)
	addOutputFlag(getResourceCmd)
}
