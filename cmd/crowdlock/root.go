package main

import (
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-crowdlock/v1/config"
)

// Version is the current release.
const Version = "0.1.0"

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "crowdlock",
		Short:         "Locked task scheduler for crowdsourcing projects",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML configuration file")
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newImportCmd(opts))
	cmd.AddCommand(newReleaseCmd(opts))
	return cmd
}
