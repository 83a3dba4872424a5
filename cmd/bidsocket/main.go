// Package main provides the bidsocket client binary: it listens for
// negotiation notifications, sends messages and manages the persisted
// identity.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lightforgemedia/go-bidsocket/pkg/config"
	"github.com/lightforgemedia/go-bidsocket/pkg/identity"
	"github.com/lightforgemedia/go-bidsocket/pkg/negotiation"
	"github.com/lightforgemedia/go-bidsocket/pkg/notify"
	"github.com/lightforgemedia/go-bidsocket/pkg/transport"
)

var version = "dev"

// app is what every subcommand needs, built once in PersistentPreRunE.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *identity.FileStore
}

func main() {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "bidsocket",
		Short: "bidsocket - real-time bid negotiation client",
		Long: `bidsocket connects to the negotiation relay, announces the persisted
identity and prints negotiation messages as they arrive.

Examples:
  bidsocket identity set --role shipper --shipper-id S1 --name "Acme"
  bidsocket listen --bid B1 --bid B2
  bidsocket send B1 "can you do 4800?" --rate 4800`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("endpoint", "", "relay endpoint (overrides config)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(
		newListenCmd(a),
		newSendCmd(a),
		newIdentityCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "bidsocket %s\n", version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if endpoint, _ := cmd.Flags().GetString("endpoint"); strings.TrimSpace(endpoint) != "" {
		cfg.Client.Endpoint = strings.TrimSpace(endpoint)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}

	a.cfg = cfg
	a.logger = cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(a.logger)
	a.store = identity.NewFileStore(cfg.Identity.SessionPath, cfg.Identity.LocalPath, a.logger)
	return nil
}

// newService builds the negotiation service from configuration.
func (a *app) newService() (*negotiation.Service, error) {
	transports, err := transport.ByName(a.cfg.Client.Transports, nil, &transport.Polling{Wait: a.cfg.Client.PollWait})
	if err != nil {
		return nil, err
	}
	var notifier notify.SystemNotifier = notify.Nop{}
	if a.cfg.Notifications.System {
		notifier = notify.NewDesktop(true)
	}
	return negotiation.New(negotiation.Options{
		Logger:            a.logger,
		Endpoint:          a.cfg.Client.Endpoint,
		Identity:          a.store,
		Transports:        transports,
		ReconnectAttempts: a.cfg.Client.ReconnectAttempts,
		ReconnectDelay:    a.cfg.Client.ReconnectDelay,
		DialTimeout:       a.cfg.Client.DialTimeout,
		Notifier:          notifier,
	}), nil
}
