package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/KafClaw/switchboard/internal/config"
	"github.com/KafClaw/switchboard/internal/registry"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect and manage registered workers",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var resp struct {
			Workers []registry.Worker `json:"workers"`
		}
		if err := newAPIClient(cfg).call(cmd.Context(), http.MethodGet, "/api/v1/workers", nil, &resp); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tENDPOINT\tCAPABILITIES\tSTREAMING")
		for _, w := range resp.Workers {
			caps := strings.Join(w.Capabilities, ",")
			if w.Legacy {
				caps = "(legacy)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", w.ID, w.Status, w.Endpoint, caps, w.SupportsStreaming)
		}
		return tw.Flush()
	},
}

var (
	registerName         string
	registerCapabilities []string
	registerStreaming    bool
	registerTimeout      string
)

var workersRegisterCmd = &cobra.Command{
	Use:   "register <id> <endpoint>",
	Short: "Register a worker at runtime",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := config.WorkerSpec{
			ID:           args[0],
			Name:         registerName,
			Endpoint:     args[1],
			Capabilities: registerCapabilities,
			Streaming:    registerStreaming,
			Timeout:      registerTimeout,
		}
		if err := spec.Validate(); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := newAPIClient(cfg).call(cmd.Context(), http.MethodPost, "/api/v1/workers", spec, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", spec.ID)
		return nil
	},
}

var workersRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Unregister a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := newAPIClient(cfg).call(cmd.Context(), http.MethodDelete, "/api/v1/workers/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
		return nil
	},
}

var workersFindCmd = &cobra.Command{
	Use:   "find <capability>...",
	Short: "Show which worker a capability set resolves to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var resp struct {
			Worker string `json:"worker"`
		}
		q := url.Values{"capabilities": {strings.Join(args, ",")}}
		if err := newAPIClient(cfg).call(cmd.Context(), http.MethodGet, "/api/v1/workers/find?"+q.Encode(), nil, &resp); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Worker)
		return nil
	},
}

func init() {
	workersRegisterCmd.Flags().StringVar(&registerName, "name", "", "Display name")
	workersRegisterCmd.Flags().StringSliceVar(&registerCapabilities, "capability", nil, "Capability tag (repeatable or comma-separated)")
	workersRegisterCmd.Flags().BoolVar(&registerStreaming, "streaming", false, "Worker answers with NDJSON streams")
	workersRegisterCmd.Flags().StringVar(&registerTimeout, "timeout", "", "Per-call timeout, e.g. 30s")

	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersRegisterCmd)
	workersCmd.AddCommand(workersRemoveCmd)
	workersCmd.AddCommand(workersFindCmd)
}
