package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/google/go-kbs-client/kbc"
	"github.com/google/go-kbs-client/teeserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve KBS resources and evidence over a unix socket",
	Long: `Start the agent server on --socket. Workloads in the TEE can then fetch
resources, decrypt payloads, get evidence and extend runtime measurements
without talking to the KBS themselves.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
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

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server, err := teeserver.New(ctx, socketPath, kbc.New(c), p, logger)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		errChan := make(chan error, 1)
		go func() {
			logger.Info("agent server listening", "socket", socketPath, "kbs", c.KbsURI().String())
			errChan <- server.Serve()
		}()

		select {
		case err := <-errChan:
			return fmt.Errorf("server failed: %w", err)
		case <-ctx.Done():
			logger.Info("shutting down agent server")
			if err := server.Shutdown(context.Background()); err != nil {
				return fmt.Errorf("failed to shut down server: %w", err)
			}
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
	addKBSFlags(serveCmd)
	serveCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/kbs-client/agent.sock",
		"path to the unix socket to listen on")
}
