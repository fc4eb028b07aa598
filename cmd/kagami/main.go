// Package main is the kagami CLI entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hyperjump/kagami/internal/cli"
	"github.com/hyperjump/kagami/internal/config"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kagami/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	debug      bool
	output     string
}

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// A missing default config falls back to built-in defaults.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func parseOutputFormat(s string) (cli.SearchOutputFormat, error) {
	switch s {
	case "", "text":
		return cli.OutputText, nil
	case "json":
		return cli.OutputJSON, nil
	case "compact":
		return cli.OutputCompact, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
	}
}

func newRootCommand(version string) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "kagami",
		Short: "Incremental video similarity index",
		Long: `kagami keeps a similarity index over videos that arrive in a drop directory.
The server answers "which indexed videos look like this one" while a background
loop moves new files into permanent storage and commits their features.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "config file path")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text, compact, or json")

	root.AddCommand(newServerCommand(opts))
	root.AddCommand(newSearchCommand(opts))
	root.AddCommand(newVerifyCommand(opts))
	root.AddCommand(newIndexCommand(opts))
	root.AddCommand(newIngestCommand(opts))
	root.AddCommand(newStatusCommand(opts))
	root.AddCommand(newHistoryCommand(opts))
	root.AddCommand(newVersionCommand(version))
	return root
}

// addServerFlag registers --server on commands that can go through the HTTP API.
func addServerFlag(cmd *cobra.Command, serverURL *string) {
	cmd.Flags().StringVar(serverURL, "server", defaultServerURL,
		"server URL (empty = open the index directly; do not do this while ingestion runs elsewhere)")
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("kagami version %s\n", version)
		},
	}
}

func main() {
	if err := newRootCommand(version).Execute(); err != nil {
		os.Exit(1)
	}
}
