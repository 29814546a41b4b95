package main

import (
	"os"
)

func main() {
	err := rootCmd.Execute()
	// PersistentPostRun is skipped when a command fails.
	teardown(nil, nil)
	if err != nil {
		os.Exit(1)
	}
}
