package status

import (
	"fmt"
	"os"
	"sort"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/andydunstall/rumour/node/store"
	"github.com/andydunstall/rumour/status/config"
)

func newValuesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "values",
		Short: "inspect broadcast values",
		Long: `Inspect broadcast values.

Queries the node for the set of broadcast values it has recorded, along with
when each value was first seen.

Examples:
  rumour status values
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		showValues(&conf)
	}

	return cmd
}

type valuesOutput struct {
	Values []store.Entry `json:"values"`
}

func showValues(conf *config.Config) {
	client := newClient(conf)
	defer client.Close()

	entries, err := client.Values()
	if err != nil {
		fmt.Printf("failed to get values: %s\n", err.Error())
		os.Exit(1)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Value < entries[j].Value
	})

	output := valuesOutput{
		Values: entries,
	}
	b, _ := yaml.Marshal(output)
	fmt.Println(string(b))
}
