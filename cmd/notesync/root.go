package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/notesync/internal/client"
	"github.com/TheMichaelB/notesync/internal/config"
	"github.com/TheMichaelB/notesync/internal/events"
)

var (
	cfgFile      string
	jsonOutput   bool
	outputFormat string
	logLevel     string
	apiURL       string

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

// Commands annotated with skipClient run without building the client.
const skipClient = "skip-client"

var rootCmd = &cobra.Command{
	Use:   "notesync",
	Short: "Offline-first notes with background sync",
	Long: `notesync keeps a local copy of your notes, lets you edit them while
offline and replays every change against the server once it is reachable.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "Config file (default: ./notesync.yaml, ~/.config/notesync/notesync.yaml)")
	flags.BoolVar(&jsonOutput, "json", false, "Output JSON")
	flags.StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json or yaml")
	flags.StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	flags.StringVar(&apiURL, "api-url", "", "Override the API base URL")
}

func setup(cmd *cobra.Command, _ []string) error {
	if jsonOutput {
		outputFormat = "json"
	}
	outputFormat = strings.ToLower(outputFormat)
	switch outputFormat {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}

	if cmd.Annotations[skipClient] == "true" {
		return nil
	}

	var err error
	cfg, err = config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = strings.ToLower(logLevel)
	}
	if apiURL != "" {
		cfg.API.BaseURL = apiURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)

	apiClient, err = client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func teardown(*cobra.Command, []string) {
	if apiClient != nil {
		if err := apiClient.Close(); err != nil {
			logger.WithError(err).Warn("Close failed")
		}
		apiClient = nil
	}
	if logger != nil {
		_ = logger.Close()
		logger = nil
	}
}
