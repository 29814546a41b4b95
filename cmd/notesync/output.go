package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)
)

// render prints v as JSON or YAML, or calls text for the text format.
func render(v interface{}, text func()) {
	switch outputFormat {
	case "json":
		printJSON(v)
	case "yaml":
		printYAML(v)
	default:
		text()
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		printError("encode output: %v", err)
	}
}

func printYAML(v interface{}) {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	if err := enc.Encode(v); err != nil {
		printError("encode output: %v", err)
	}
}

// fail reports err in the selected format and returns it for cobra.
func fail(err error, format string, args ...interface{}) error {
	if outputFormat != "text" {
		render(map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		}, nil)
		return err
	}
	printError(format+": %v", append(args, err)...)
	return err
}

func printSuccess(format string, args ...interface{}) {
	successColor.Fprintf(os.Stdout, "✓ "+format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, "✗ "+format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warningColor.Fprintf(os.Stderr, "! "+format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	infoColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printDim(format string, args ...interface{}) {
	dimColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printLine(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}
