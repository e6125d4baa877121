package main

import (
	"fmt"
	"os"

	"github.com/andydunstall/rumour/cli"
)

func main() {
	if err := cli.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
