// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sigil-dev/relay/internal/config"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// cli carries the viper instance every subcommand reads from.
type cli struct {
	v *viper.Viper
}

// NewRootCmd creates the root relay command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay: resilient LLM and tool-server orchestration",
		Long:          "Relay answers conversation turns with local or hosted LLMs, consulting MCP tool servers and recovering from their failures.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.initViper(cmd)
		},
	}

	// Global flags. These map to viper keys via initViper.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().String("log-format", "", "log format: text or json")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(c),
		newAskCmd(c),
		newAnalyzeCmd(c),
		newProvidersCmd(c),
		newToolsCmd(c),
		newHistoryCmd(c),
		newSecretCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper sets up viper with defaults, env bindings, flag bindings,
// and optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly.
func (c *cli) initViper(cmd *cobra.Command) error {
	v := c.v

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return relayerr.Errorf(relayerr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		// SetConfigType is omitted: with it, viper also tries the bare
		// name, which collides with a ./relay binary.
		v.SetConfigName("relay")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/relay")
		v.AddConfigPath("/etc/relay")
		// No config file is fine. Parse or permission errors must surface.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return relayerr.Errorf(relayerr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
			if err := c.bootstrap(); err != nil {
				return err
			}
		}
	}
	if used := v.ConfigFileUsed(); used != "" {
		config.WarnInsecurePermissions(used, config.PlaintextSecrets(v))
	}

	flags := cmd.Root().PersistentFlags()
	if err := v.BindPFlag("logging.level", flags.Lookup("log-level")); err != nil {
		return relayerr.Errorf(relayerr.CodeCLISetupFailure, "binding log-level flag: %w", err)
	}
	if err := v.BindPFlag("logging.format", flags.Lookup("log-format")); err != nil {
		return relayerr.Errorf(relayerr.CodeCLISetupFailure, "binding log-format flag: %w", err)
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		v.Set("logging.level", "debug")
	}

	setupLogging(cmd.ErrOrStderr(), v.GetString("logging.level"), v.GetString("logging.format"))
	return nil
}

// bootstrap writes a default config to ~/.config/relay/ when none was
// found anywhere, and reads it.
func (c *cli) bootstrap() error {
	path, err := config.DefaultConfigPath()
	if err != nil {
		// No home directory: defaults and env vars still apply.
		return nil
	}
	if written := config.BootstrapConfig(path); written != "" {
		c.v.SetConfigFile(written)
		if err := c.v.ReadInConfig(); err != nil {
			return relayerr.Errorf(relayerr.CodeConfigLoadReadFailure, "reading bootstrapped config: %w", err)
		}
	}
	return nil
}

// loadConfig decodes and validates the resolved configuration.
func (c *cli) loadConfig() (*config.Config, error) {
	return config.FromViper(c.v)
}
