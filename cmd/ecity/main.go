package main

import (
	"os"

	"github.com/ecity-hub/ecity/cmd/ecity/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
