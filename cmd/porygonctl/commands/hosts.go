package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func hostsCmd() *cobra.Command {
	var onlineOnly bool

	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List discovered FTP hosts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			hosts, err := client.Hosts(context.Background())
			if err != nil {
				return err
			}

			if onlineOnly {
				filtered := hosts[:0]
				for _, h := range hosts {
					if h.Online {
						filtered = append(filtered, h)
					}
				}
				hosts = filtered
			}

			out, err := formatHosts(hosts, outputFormat)
			if err != nil {
				return fmt.Errorf("format hosts: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	cmd.Flags().BoolVar(&onlineOnly, "online", false, "show online hosts only")

	return cmd
}
