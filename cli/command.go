package cli

import (
	"github.com/spf13/cobra"

	"github.com/andydunstall/rumour/cli/node"
	"github.com/andydunstall/rumour/cli/status"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "rumour [command] (flags)",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Long: `Rumour is a gossip broadcast node.

Each node in the cluster records the values broadcast to it and forwards them
to the other nodes, so every node eventually reads the same set of values.
Nodes communicate using the Maelstrom protocol over stdin and stdout.

Start a node with:

  $ rumour node

You can also inspect the status of a node that exposes the admin API using:

  $ rumour status
`,
	}

	cmd.AddCommand(node.NewCommand())
	cmd.AddCommand(status.NewCommand())

	return cmd
}

func init() {
	cobra.EnableCommandSorting = false
}
