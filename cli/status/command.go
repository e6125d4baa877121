package status

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andydunstall/rumour/status/client"
	"github.com/andydunstall/rumour/status/config"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "inspect node status",
		Long: `Inspect node status.

Each node may expose a status API on its admin address to inspect the state
of the node, this can be used to answer questions such as:
* Which broadcast values has the node recorded?
* What topology has the node been told about?
* Has the node been initialized?

See 'status --help' for the available commands.

Examples:
  # Inspect the values recorded by the node.
  rumour status values

  # Inspect the neighbours of node n2.
  rumour status neighbors n2

  # Inspect the status of node 10.26.104.56:8002.
  rumour status node --node.url http://10.26.104.56:8002
`,
	}

	cmd.AddCommand(newNodeCommand())
	cmd.AddCommand(newValuesCommand())
	cmd.AddCommand(newNeighborsCommand())

	return cmd
}

// newClient validates the config and returns a client for the configured
// node, exiting on error.
func newClient(conf *config.Config) *client.Client {
	if err := conf.Validate(); err != nil {
		fmt.Printf("invalid config: %s\n", err.Error())
		os.Exit(1)
	}
	return client.NewClient(conf.URL())
}
