package main

import (
	"os"

	"github.com/heitortanoue/crdtboard/cmd"
)

// set during build
var version = "dev"

func main() {
	cmd.SetVersion(version)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
