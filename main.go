package main

import (
	"os"

	"github.com/spf13/afero"

	"filebridge/cli"
)

func main() {
	if err := cli.NewRootCommand(afero.NewOsFs()).Execute(); err != nil {
		os.Exit(1)
	}
}
