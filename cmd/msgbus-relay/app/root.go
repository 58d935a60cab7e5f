package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...app.Version=v1.2.3".
var Version = "dev"

// NewRootCommand returns the msgbus-relay command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "msgbus-relay",
		Short:         "Relay messages between msgbus brokers over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(NewServeCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "msgbus-relay %s\n", Version)
		},
	}
}
