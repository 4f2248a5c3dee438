package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/manforowicz/gday/internal/connector"
	"github.com/manforowicz/gday/internal/history"
	"github.com/manforowicz/gday/internal/logger"
	"github.com/manforowicz/gday/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagServer      string
	flagPort        uint16
	flagUnencrypted bool
	flagVerbosity   string
)

var rootCmd = &cobra.Command{
	Use:           "gday",
	Short:         "Send files directly to another person, through NATs, without a relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "", "use a custom rendezvous server with this domain")
	rootCmd.PersistentFlags().Uint16VarP(&flagPort, "port", "p", 0, "custom server port")
	rootCmd.PersistentFlags().BoolVarP(&flagUnencrypted, "unencrypted", "u", false, "connect to the server with plain TCP instead of TLS")
	rootCmd.PersistentFlags().StringVarP(&flagVerbosity, "verbosity", "v", "warn", "log verbosity (trace, debug, info, warn, error)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(historyCmd)
}

func newLogger() (*logrus.Logger, error) {
	return logger.New(flagVerbosity)
}

// customServer builds a ServerInfo from the --server flags, or returns
// false when none was given.
func customServer() (connector.ServerInfo, bool) {
	if flagServer == "" {
		return connector.ServerInfo{}, false
	}
	port := flagPort
	if port == 0 {
		port = protocol.DefaultPort
	}
	return connector.ServerInfo{
		ID:     0,
		Domain: flagServer,
		Port:   port,
		TLS:    !flagUnencrypted,
	}, true
}

// connectForCode opens the server connection appropriate for the given
// role: the sender picks a random default server (or the custom one),
// the receiver follows the server named by the share code.
func connectForCode(ctx context.Context, serverID uint64, isCreator bool, log *logrus.Logger) (*connector.ServerConnection, uint64, error) {
	cfg := connector.Config{Logger: log}
	if srv, ok := customServer(); ok {
		conn, err := connector.ConnectToServer(ctx, srv, cfg)
		return conn, 0, err
	}
	if isCreator {
		return connector.ConnectToRandomServer(ctx, connector.DefaultServers, cfg)
	}
	conn, err := connector.ConnectToServerID(ctx, connector.DefaultServers, serverID, cfg)
	return conn, serverID, err
}

// recordHistory best-effort appends a transfer row; history must never
// fail a transfer.
func recordHistory(log *logrus.Logger, t *history.Transfer) {
	path, err := history.DefaultPath()
	if err != nil {
		log.WithError(err).Debug("No history directory")
		return
	}
	store, err := history.Open(path)
	if err != nil {
		log.WithError(err).Debug("Could not open history")
		return
	}
	if err := store.Record(t); err != nil {
		log.WithError(err).Debug("Could not record history")
	}
}
