package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// client talks to the porygond HTTP API, initialized in PersistentPreRunE.
	client *apiClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon address (host:port) for the HTTP connection.
	serverAddr string
)

// rootCmd is the top-level cobra command for porygonctl.
var rootCmd = &cobra.Command{
	Use:   "porygonctl",
	Short: "CLI client for the porygond daemon",
	Long:  "porygonctl queries the porygond search API to list discovered FTP hosts and search their indexed files.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = &apiClient{
			baseURL: "http://" + serverAddr,
			http:    &http.Client{Timeout: 30 * time.Second},
		}

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"porygond API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(hostsCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
