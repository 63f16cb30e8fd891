// Package cmd implements nucleusctl, the operator CLI for the auth server.
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"go.pilab.hu/nucleus/config"
	"go.pilab.hu/nucleus/log"
	"go.pilab.hu/nucleus/storage"
)

const AppName = "nucleusctl"

// cli is the state shared by every subcommand of one invocation.
type cli struct {
	cfgFile  string
	logLevel string

	cfg    *config.ServerConfig
	logger log.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           AppName,
		Short:         "nucleusctl administers a nucleus auth server",
		Long:          `Database migrations, expired code cleanup, signing key generation, user provisioning and PKCE helpers for the nucleus auth server.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, _ := log.ParseLevel(c.logLevel)
			c.logger = log.NewZerologAdapterWithWriter(cmd.ErrOrStderr(), level)

			cfg, err := config.LoadConfig(c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "",
		"config file (default searches /etc/nucleus, $HOME/.nucleus and . for config.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		c.newMigrateCommand(),
		c.newCleanupCommand(),
		c.newStatsCommand(),
		c.newKeygenCommand(),
		c.newUserCommand(),
		newPKCECommand(),
	)

	return root
}

func (c *cli) openStore(ctx context.Context) (storage.Store, error) {
	sc, err := c.cfg.Storage()
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, sc, c.logger)
}

func printYAML(w io.Writer, v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = w.Write(out)
	return err
}
