package status

import (
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/andydunstall/rumour/status/config"
)

func newNeighborsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "neighbors [id]",
		Args:  cobra.MaximumNArgs(1),
		Short: "inspect neighbor table",
		Long: `Inspect the neighbor table.

Queries the node for the neighbours of each known node, as announced by
'topology' messages. If a node ID is given, only that node's neighbours are
shown.

Examples:
  # Inspect all known nodes.
  rumour status neighbors

  # Inspect the neighbours of node n2.
  rumour status neighbors n2
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			showNodeNeighbors(&conf, args[0])
			return
		}
		showNeighbors(&conf)
	}

	return cmd
}

type neighborsOutput struct {
	Nodes map[string][]string `json:"nodes"`
}

func showNeighbors(conf *config.Config) {
	client := newClient(conf)
	defer client.Close()

	neighbors, err := client.Neighbors()
	if err != nil {
		fmt.Printf("failed to get neighbors: %s\n", err.Error())
		os.Exit(1)
	}

	output := neighborsOutput{
		Nodes: neighbors,
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}

type nodeNeighborsOutput struct {
	ID        string   `json:"id"`
	Neighbors []string `json:"neighbors"`
}

func showNodeNeighbors(conf *config.Config, id string) {
	client := newClient(conf)
	defer client.Close()

	neighbors, err := client.NodeNeighbors(id)
	if err != nil {
		fmt.Printf("failed to get node neighbors: %s: %s\n", id, err.Error())
		os.Exit(1)
	}

	output := nodeNeighborsOutput{
		ID:        id,
		Neighbors: neighbors,
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}
