package cmd

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/google/go-kbs-client/internal/logging"
)

var (
	output     string
	input      string
	kbsURL     string
	asURL      string
	certFiles  []string
	teeKeyFile string
	tokenFile  string
	teeName    string
	tpmPath    string
	timeout    time.Duration
	socketPath string
	logOpts    logging.Options
)

// Disable the "help" subcommand (and just use the -h/--help flags).
// This should be called on all commands with subcommands.
// See https://github.com/spf13/cobra/issues/587 for why this is needed.
func hideHelp(cmd *cobra.Command) {
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
}

func addLogFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&logOpts.JSON, "log-json", false, "log in JSON format")
	cmd.PersistentFlags().BoolVar(&logOpts.Debug, "log-debug", false, "log debug messages")
	cmd.PersistentFlags().BoolVar(&logOpts.UID, "log-uid", false, "tag every log record with a random process uid")
}

// Lets this command specify an output file, for use with dataOutput().
func addOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&output, "output", "",
		"output file (defaults to stdout)")
}

// Lets this command specify an input file, for use with dataInput().
func addInputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&input, "input", "",
		"input file (defaults to stdin)")
}

// Lets this command select the evidence provider.
func addTeeFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&teeName, "tee", "",
		"TEE type: tdx, snp, az-snp-vtpm or sample (detected when empty)")
	cmd.PersistentFlags().StringVar(&tpmPath, "tpm-path", "",
		"path to TPM device (defaults to /dev/tpmrm0 then /dev/tpm0)")
}

// Lets this command talk to a KBS, for use with newKBSClient().
func addKBSFlags(cmd *cobra.Command) {
	addTeeFlags(cmd)
	cmd.PersistentFlags().StringVar(&kbsURL, "kbs-url", "", "base URL of the KBS")
	cmd.PersistentFlags().StringVar(&asURL, "as-url", "",
		"base URL of an attestation service issuing tokens for the KBS (passport mode)")
	cmd.PersistentFlags().StringSliceVar(&certFiles, "cert-file", nil,
		"PEM certificate to trust for the KBS and attestation service, can be repeated")
	cmd.PersistentFlags().StringVar(&teeKeyFile, "tee-key-file", "",
		"PEM private key to use as TEE key (generated when empty)")
	cmd.PersistentFlags().StringVar(&tokenFile, "token-file", "",
		"file holding an attestation token to present to the KBS, requires --tee-key-file")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "timeout of each KBS request (default 1m)")
}

// alwaysError implements io.ReadWriter by always returning an error
type alwaysError struct {
	error
}

func (ae alwaysError) Write([]byte) (int, error) {
	return 0, ae.error
}

func (ae alwaysError) Read(_ []byte) (n int, err error) {
	return 0, ae.error
}

func (ae alwaysError) Close() error {
	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Handle to output data file. If there is an issue opening the file, the Writer
// returned will return the error upon any call to Write()
func dataOutput() io.WriteCloser {
	if output == "" {
		return nopCloser{os.Stdout}
	}

	file, err := os.Create(output)
	if err != nil {
		return alwaysError{err}
	}
	return file
}

// Handle to input data file. If there is an issue opening the file, the Reader
// returned will return the error upon any call to Read()
func dataInput() io.Reader {
	if input == "" {
		return os.Stdin
	}

	file, err := os.Open(input)
	if err != nil {
		return alwaysError{err}
	}
	return file
}

func writeOutput(data []byte) error {
	w := dataOutput()
	_, err := w.Write(data)
	return errors.Join(err, w.Close())
}
