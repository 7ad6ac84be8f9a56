package main

import (
	"os"

	"github.com/flowmesh/flowmesh/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
