// meshdfs is a chunked, replicated file store: a metadata service, chunk
// nodes and a client for moving files in and out.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const defaultMetaURL = "http://localhost:8000"

var (
	cfgFile  string
	logLevel string
	metaURL  string

	// Server overrides
	listenAddr string
	dataDir    string
	nodeID     string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshdfs",
		Short: "meshdfs - chunked, replicated file storage",
		Long: `meshdfs stores files as fixed-size chunks replicated across chunk nodes.
A metadata service owns the namespace and chunk placement; a background
reconciler repairs lost replicas.

QUICK START:

  # Start three chunk nodes
  meshdfs node --id node1 --listen :8001 --data-dir /tmp/n1
  meshdfs node --id node2 --listen :8002 --data-dir /tmp/n2
  meshdfs node --id node3 --listen :8003 --data-dir /tmp/n3

  # Start the metadata service with a node table
  meshdfs meta --config meta.yaml

  # Move files in and out
  meshdfs put ./report.pdf /dfs/docs/report.pdf
  meshdfs ls /dfs/docs/
  meshdfs get /dfs/docs/report.pdf ./copy.pdf

For more help on any command, use: meshdfs <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&metaURL, "meta", envOr("MESHDFS_META", defaultMetaURL), "metadata service URL")

	rootCmd.AddCommand(newMetaCmd())
	rootCmd.AddCommand(newNodeCmd())
	for _, c := range newFileCmds() {
		rootCmd.AddCommand(c)
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshdfs %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Go:         %s\n", runtime.Version())
		},
	})

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// normalizeMetaURL adds a scheme to bare host:port addresses.
func normalizeMetaURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("metadata service URL is required (--meta or MESHDFS_META)")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "", fmt.Errorf("unsupported scheme in %q", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}
