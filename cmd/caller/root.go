package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	serverURL  string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "fivecall",
		Short: "Five-minute voice calls between two people who share a passcode",
		Long: `fivecall joins a room identified by a numeric passcode. When a second
person joins the same room the two are connected for a voice call that
ends automatically after five minutes.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/config.yaml", "path to the config file")
	root.PersistentFlags().StringVarP(&opts.serverURL, "server", "s", "", "signaling server URL (overrides call.signal_url)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log negotiation details to stderr")

	root.AddCommand(newCallCommand(opts))
	return root
}
