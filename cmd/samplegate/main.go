package main

import (
	"os"

	"github.com/millrun/samplegate/cmd/samplegate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
