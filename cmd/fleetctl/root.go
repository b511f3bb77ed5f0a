// ABOUTME: Root cobra command and viper-backed settings for fleetctl
// ABOUTME: The gateway address comes from --addr, FLEETCTL_ADDR, or ~/.config/fleet/fleetctl.yaml

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	addrKey        = "addr"
	timeoutKey     = "timeout"
	defaultAddr    = "http://localhost:8080"
	defaultTimeout = 10 * time.Second
)

// loadSettings layers flag > env > config file > default for the client settings.
func loadSettings(cmd *cobra.Command, v *viper.Viper) error {
	v.SetDefault(addrKey, defaultAddr)
	v.SetDefault(timeoutKey, defaultTimeout)

	v.SetEnvPrefix("FLEETCTL")
	v.AutomaticEnv()

	if err := v.BindPFlag(addrKey, cmd.Root().PersistentFlags().Lookup(addrKey)); err != nil {
		return fmt.Errorf("bind addr flag: %w", err)
	}
	if err := v.BindPFlag(timeoutKey, cmd.Root().PersistentFlags().Lookup(timeoutKey)); err != nil {
		return fmt.Errorf("bind timeout flag: %w", err)
	}

	v.SetConfigName("fleetctl")
	v.SetConfigType("yaml")
	if dir := configDir(); dir != "" {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}

// configDir resolves XDG_CONFIG_HOME/fleet, falling back to ~/.config/fleet.
func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fleet")
}

// normalizeAddr accepts "host:port" as shorthand for an http:// base URL.
func normalizeAddr(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		return defaultAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	app := &app{}

	rootCmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Command-line client for fleet-gateway",
		Long:          "fleetctl submits test-execution requests to a fleet-gateway, cancels them, and inspects the queue, the agent pool, and request history.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadSettings(cmd, v); err != nil {
				return err
			}
			app.client = newClient(normalizeAddr(v.GetString(addrKey)), v.GetDuration(timeoutKey))
			return nil
		},
	}

	rootCmd.PersistentFlags().String(addrKey, defaultAddr, "gateway HTTP address")
	rootCmd.PersistentFlags().Duration(timeoutKey, defaultTimeout, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&app.asJSON, "json", false, "print raw JSON")

	rootCmd.AddCommand(
		newSubmitCmd(app),
		newStatusCmd(app),
		newCancelCmd(app),
		newQueueCmd(app),
		newAgentsCmd(app),
		newHistoryCmd(app),
	)

	return rootCmd
}

// app carries what every subcommand needs once flags are resolved.
type app struct {
	client *client
	asJSON bool
}
