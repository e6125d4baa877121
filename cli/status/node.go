package status

import (
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/andydunstall/rumour/status/config"
)

func newNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "inspect node",
		Long: `Inspect the node.

Queries the node for its ID, whether it has been initialized, the number of
recorded values and the number of known nodes.

Examples:
  rumour status node
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		client := newClient(&conf)
		defer client.Close()

		status, err := client.Node()
		if err != nil {
			fmt.Printf("failed to get node status: %s\n", err.Error())
			os.Exit(1)
		}

		b, _ := yaml.Marshal(status)
		fmt.Println(string(b))
	}

	return cmd
}
