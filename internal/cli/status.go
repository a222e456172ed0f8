package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/KafClaw/switchboard/internal/config"
	"github.com/KafClaw/switchboard/internal/sink"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader(cmd.OutOrStdout(), "🏷️ switchboard version")
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

type gatewayStatus struct {
	Status              string                `json:"status"`
	Version             string                `json:"version"`
	UptimeSeconds       int                   `json:"uptime_seconds"`
	Workers             []string              `json:"workers"`
	ActiveConversations int                   `json:"active_conversations"`
	Subscribers         map[string][]string   `json:"subscribers"`
	Running             bool                  `json:"running"`
	Sinks               map[string]sink.Stats `json:"sinks"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local config and gateway status",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		printHeader(out, "📊 switchboard status")
		fmt.Fprintf(out, "Version: %s\n", version)

		if p, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				fmt.Fprintf(out, "Config:  ✓ Found (%s)\n", p)
			} else {
				fmt.Fprintf(out, "Config:  ✗ Not found (%s, defaults in use)\n", p)
			}
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Store:   %s %s\n", cfg.Store.Driver, cfg.Store.Path)

		client := newAPIClient(cfg)
		var st gatewayStatus
		if err := client.call(cmd.Context(), "GET", "/api/v1/status", nil, &st); err != nil {
			fmt.Fprintf(out, "Gateway: ✗ %s (%v)\n", client.base, err)
			return nil
		}
		fmt.Fprintf(out, "Gateway: ✓ %s (version %s, up %ds)\n", client.base, st.Version, st.UptimeSeconds)
		fmt.Fprintf(out, "Workers: %d %v\n", len(st.Workers), st.Workers)
		fmt.Fprintf(out, "Active conversations: %d\n", st.ActiveConversations)

		subs := make([]string, 0, len(st.Subscribers))
		for id := range st.Subscribers {
			subs = append(subs, id)
		}
		sort.Strings(subs)
		fmt.Fprintf(out, "Subscribers: %v\n", subs)
		for name, s := range st.Sinks {
			fmt.Fprintf(out, "Sink %s: sent=%d dropped=%d failed=%d queued=%d\n", name, s.Sent, s.Dropped, s.Failed, s.Queued)
		}
		return nil
	},
}
