package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/switchboard/internal/config"
	"github.com/KafClaw/switchboard/internal/kafkaconn"
)

var kafkaCmd = &cobra.Command{
	Use:   "kafka",
	Short: "Kafka connectivity tools",
}

var (
	kafkaCheckJSON    bool
	kafkaCheckTimeout time.Duration
)

var kafkaCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe the discovery and event sink brokers",
	Long: "Resolve, connect to and handshake with every configured broker, then confirm the\n" +
		"announcement and event topics are visible. Nothing is produced or consumed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		targets := kafkaTargets(cfg)
		if len(targets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No Kafka brokers configured (discovery.kafkaBrokers, sinks.kafkaBrokers).")
			return nil
		}
		report := kafkaconn.Probe(cmd.Context(), targets, kafkaCheckTimeout)
		if kafkaCheckJSON {
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
		} else {
			printKafkaReport(cmd.OutOrStdout(), report)
		}
		if report.HasFailed {
			return errors.New("kafka check failed")
		}
		return nil
	},
}

func kafkaTargets(cfg *config.Config) []kafkaconn.Target {
	var targets []kafkaconn.Target
	if brokers := cfg.Discovery.Brokers(); len(brokers) > 0 {
		targets = append(targets, kafkaconn.Target{
			Component: "discovery",
			Brokers:   brokers,
			Topic:     cfg.Discovery.Topic,
			Security:  cfg.Discovery.Kafka,
		})
	}
	if brokers := cfg.Sinks.Brokers(); len(brokers) > 0 {
		targets = append(targets, kafkaconn.Target{
			Component: "sink",
			Brokers:   brokers,
			Topic:     cfg.Sinks.KafkaTopic,
			Security:  cfg.Sinks.Kafka,
		})
	}
	return targets
}

func printKafkaReport(w io.Writer, r *kafkaconn.Report) {
	for _, row := range r.Rows {
		var label string
		switch row.Status {
		case kafkaconn.OK:
			label = color.GreenString("OK  ")
		case kafkaconn.WARN:
			label = color.YellowString("WARN")
		case kafkaconn.FAIL:
			label = color.RedString("FAIL")
		default:
			label = "SKIP"
		}
		fmt.Fprintf(w, "%s %-10s %-12s %-28s %s\n", label, row.Component, row.Layer, row.Target, row.Detail)
		if row.Hint != "" && row.Status != kafkaconn.OK {
			fmt.Fprintf(w, "     hint: %s\n", row.Hint)
		}
	}
	fmt.Fprintf(w, "Finished in %s\n", r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond))
}

func init() {
	kafkaCheckCmd.Flags().BoolVar(&kafkaCheckJSON, "json", false, "Print the report as JSON")
	kafkaCheckCmd.Flags().DurationVar(&kafkaCheckTimeout, "timeout", kafkaconn.DialTimeout, "Per-step timeout")
	kafkaCmd.AddCommand(kafkaCheckCmd)
}
