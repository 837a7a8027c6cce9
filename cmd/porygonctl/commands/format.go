// Package commands implements the porygonctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNever  = "never"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatHosts renders the host registry in the requested format.
func formatHosts(hosts []hostView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(hosts)
	case formatTable:
		return formatHostsTable(hosts)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSearch renders search results in the requested format.
func formatSearch(resp searchView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(resp)
	case formatTable:
		return formatSearchTable(resp)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatHostsTable(hosts []hostView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IP\tNAME\tONLINE\tLAST-ONLINE\tLAST-INDEXED\tFILES\tSIZE")

	for _, h := range hosts {
		lastIndexed := valueNever
		if !h.LastIndexed.IsZero() {
			lastIndexed = h.LastIndexed.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%d\t%s\n",
			h.IP,
			h.Name,
			h.Online,
			h.LastOnline.Local().Format(time.RFC3339),
			lastIndexed,
			h.FileCount,
			h.SizeHuman,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatSearchTable(resp searchView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SIZE\tHOST\tURL")

	for _, f := range resp.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.SizeHuman, f.Host, f.URL)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	fmt.Fprintf(&buf, "%d result(s) for %s\n", len(resp.Results), strings.Join(resp.Query, " "))

	return buf.String(), nil
}

// --- JSON formatter ---

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}

	return string(data), nil
}
