package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manforowicz/gday/internal/logger"
	"github.com/manforowicz/gday/internal/server"
	"github.com/spf13/cobra"
)

// argError marks failures that are the caller's fault; they exit 2
// instead of 1.
type argError struct{ err error }

func (e *argError) Error() string { return e.err.Error() }
func (e *argError) Unwrap() error { return e.err }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ae *argError
		if errors.As(err, &ae) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		keyFile      string
		certFile     string
		unencrypted  bool
		addresses    []string
		timeoutSecs  uint64
		requestLimit int
		verbosity    string
	)

	root := &cobra.Command{
		Use:           "gday-server",
		Short:         "Contact exchange server that helps peers find each other",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(verbosity)
			if err != nil {
				return &argError{err}
			}
			if !unencrypted && (keyFile == "" || certFile == "") {
				return &argError{errors.New("--key and --certificate are required unless --unencrypted is set")}
			}
			if unencrypted && (keyFile != "" || certFile != "") {
				return &argError{errors.New("--unencrypted conflicts with --key and --certificate")}
			}

			srv, err := server.NewServer(server.Config{
				Addresses:    addresses,
				CertFile:     certFile,
				KeyFile:      keyFile,
				Unencrypted:  unencrypted,
				RoomTTL:      time.Duration(timeoutSecs) * time.Second,
				RequestLimit: requestLimit,
				Logger:       log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("Server stopped")
			return nil
		},
	}

	root.Flags().StringVarP(&keyFile, "key", "k", "", "PEM file of the private TLS server key")
	root.Flags().StringVarP(&certFile, "certificate", "c", "", "PEM file of the signed TLS server certificate")
	root.Flags().BoolVarP(&unencrypted, "unencrypted", "u", false, "accept plain TCP instead of TLS")
	root.Flags().StringSliceVarP(&addresses, "addresses", "a", []string{"0.0.0.0:2311", "[::]:2311"}, "socket addresses to listen on")
	root.Flags().Uint64VarP(&timeoutSecs, "timeout", "t", 600, "seconds before a room is deleted")
	root.Flags().IntVarP(&requestLimit, "request-limit", "r", 10, "per-IP per-minute cap on room creations and unknown-code requests")
	root.Flags().StringVarP(&verbosity, "verbosity", "v", "debug", "log verbosity (trace, debug, info, warn, error)")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &argError{err}
	})
	return root
}
