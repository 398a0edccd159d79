// Command xmppctl runs XMPP control channel servers and agents, and
// decodes captured control channel streams.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var opts logOptions
	root := &cobra.Command{
		Use:          "xmppctl",
		Short:        "XMPP control channel tool",
		SilenceUsage: true,
	}
	opts.addFlags(root)
	root.AddCommand(
		newServeCmd(&opts),
		newConnectCmd(&opts),
		newDecodeCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
