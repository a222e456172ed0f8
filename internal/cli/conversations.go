package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Inspect, export and import conversations",
}

var convListPersisted bool

var convListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := "/api/v1/conversations"
		if convListPersisted {
			path += "?persisted=true"
		}
		var resp struct {
			Active    []string `json:"active"`
			Persisted []string `json:"persisted"`
		}
		if err := newAPIClient(cfg).call(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		ids := resp.Active
		if convListPersisted {
			ids = resp.Persisted
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var convShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, "/api/v1/conversations/"+url.PathEscape(args[0]))
	},
}

var convMemoryQuery string

var convMemoryCmd = &cobra.Command{
	Use:   "memory <id>",
	Short: "Print a conversation's memory, or search it with --query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/conversations/" + url.PathEscape(args[0]) + "/memory"
		if convMemoryQuery != "" {
			path += "?" + url.Values{"q": {convMemoryQuery}}.Encode()
		}
		return printJSON(cmd, path)
	},
}

var convCondenseCmd = &cobra.Command{
	Use:   "condense <id>",
	Short: "Summarize a conversation's memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var out any
		path := "/api/v1/conversations/" + url.PathEscape(args[0]) + "/condense"
		if err := newAPIClient(cfg).call(cmd.Context(), http.MethodPost, path, nil, &out); err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), out)
	},
}

var convExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a conversation with its memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, "/api/v1/conversations/"+url.PathEscape(args[0])+"/export")
	},
}

var convImportCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Import a conversation produced by export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read export: %w", err)
		}
		var body json.RawMessage
		if err := json.Unmarshal(data, &body); err != nil {
			return fmt.Errorf("parse export: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var resp struct {
			ID string `json:"id"`
		}
		if err := newAPIClient(cfg).call(cmd.Context(), http.MethodPost, "/api/v1/conversations/import", body, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", resp.ID)
		return nil
	},
}

var convDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation and its memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := newAPIClient(cfg).call(cmd.Context(), http.MethodDelete, "/api/v1/conversations/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var (
	eventsLimit int
	eventsTypes []string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print recent bus events",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("limit", fmt.Sprint(eventsLimit))
		if len(eventsTypes) > 0 {
			q.Set("type", strings.Join(eventsTypes, ","))
		}
		return printJSON(cmd, "/api/v1/events?"+q.Encode())
	},
}

func printJSON(cmd *cobra.Command, path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var out any
	if err := newAPIClient(cfg).call(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	return writeIndented(cmd.OutOrStdout(), out)
}

func writeIndented(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func init() {
	convListCmd.Flags().BoolVar(&convListPersisted, "persisted", false, "List every stored conversation, not only active ones")
	convMemoryCmd.Flags().StringVarP(&convMemoryQuery, "query", "q", "", "Only items containing this text")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "Number of events")
	eventsCmd.Flags().StringSliceVarP(&eventsTypes, "type", "t", nil, "Event types to include")

	conversationsCmd.AddCommand(convListCmd)
	conversationsCmd.AddCommand(convShowCmd)
	conversationsCmd.AddCommand(convMemoryCmd)
	conversationsCmd.AddCommand(convCondenseCmd)
	conversationsCmd.AddCommand(convExportCmd)
	conversationsCmd.AddCommand(convImportCmd)
	conversationsCmd.AddCommand(convDeleteCmd)
}
