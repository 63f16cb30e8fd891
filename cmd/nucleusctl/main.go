package main

import (
	"os"

	"go.pilab.hu/nucleus/cmd/nucleusctl/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
