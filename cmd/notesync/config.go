package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/notesync/internal/config"
)

// Set by the linker.
var version = "dev"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init [path]",
	Short:       "Write an example config file",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{skipClient: "true"},
	RunE:        runConfigInit,
}

var configInitForce bool

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print the version",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipClient: "true"},
	Run: func(*cobra.Command, []string) {
		render(map[string]string{
			"version": version,
			"go":      runtime.Version(),
		}, func() {
			printLine("notesync %s (%s)", version, runtime.Version())
		})
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd, versionCmd)

	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "Overwrite an existing file")
}

func runConfigInit(_ *cobra.Command, args []string) error {
	path := "notesync.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fail(fmt.Errorf("%s already exists", path), "Write config")
	}

	if err := config.SaveExample(path); err != nil {
		return fail(err, "Write config")
	}

	render(map[string]interface{}{"success": true, "path": path}, func() {
		printSuccess("Wrote %s", path)
	})
	return nil
}
