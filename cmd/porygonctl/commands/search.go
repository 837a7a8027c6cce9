package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func searchCmd() *cobra.Command {
	var (
		includeOffline bool
		limit          int
	)

	cmd := &cobra.Command{
		Use:   "search <term>...",
		Short: "Search indexed files by name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := client.Search(context.Background(),
				strings.Join(args, " "), !includeOffline, limit)
			if err != nil {
				return err
			}

			out, err := formatSearch(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format results: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&includeOffline, "include-offline", false,
		"also match files on hosts that are currently offline")
	flags.IntVar(&limit, "limit", 0, "maximum number of results (0 uses the server default)")

	return cmd
}
