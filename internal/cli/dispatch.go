package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/switchboard/internal/config"
	"github.com/KafClaw/switchboard/internal/orchestrator"
	"github.com/KafClaw/switchboard/internal/router"
)

var (
	dispatchConversation string
	dispatchModel        string
	dispatchNoStream     bool
	dispatchJSON         bool
	dispatchLocal        bool
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <target> [payload|-]",
	Short: "Send a request to a worker and print its response",
	Long: "Send a request to a worker id or capability tag. The payload is read from stdin when it is \"-\";\n" +
		"payloads starting with { or [ are sent as JSON, anything else as text.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		req := router.Request{
			Target:  args[0],
			Payload: payload,
			Model:   dispatchModel,
			Options: map[string]any{},
		}
		if dispatchConversation != "" {
			req.Options[router.OptConversationID] = dispatchConversation
		}
		if dispatchNoStream {
			req.Options[router.OptStream] = false
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p := &itemPrinter{w: cmd.OutOrStdout(), raw: dispatchJSON}
		if dispatchLocal {
			err = dispatchInProcess(cmd.Context(), cfg, req, p.print)
		} else {
			err = newAPIClient(cfg).stream(cmd.Context(), "/api/v1/dispatch", req, p.print)
		}
		p.finish()
		if err != nil {
			return err
		}
		return p.err
	},
}

func init() {
	dispatchCmd.Flags().StringVarP(&dispatchConversation, "conversation", "c", "", "Conversation id to continue")
	dispatchCmd.Flags().StringVar(&dispatchModel, "model", "", "Model hint passed to the worker")
	dispatchCmd.Flags().BoolVar(&dispatchNoStream, "no-stream", false, "Ask for a single aggregated response")
	dispatchCmd.Flags().BoolVar(&dispatchJSON, "json", false, "Print raw stream items as JSON lines")
	dispatchCmd.Flags().BoolVar(&dispatchLocal, "local", false, "Dispatch in-process instead of through the gateway")
}

func readPayload(stdin io.Reader, args []string) (any, error) {
	raw := ""
	if len(args) > 1 {
		raw = args[1]
	}
	if raw == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = string(data)
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
			return nil, fmt.Errorf("payload looks like JSON but does not parse: %w", err)
		}
		return v, nil
	}
	return raw, nil
}

// dispatchInProcess runs one request through a short-lived orchestrator
// built from cfg. Background integrations are left off.
func dispatchInProcess(ctx context.Context, cfg *config.Config, req router.Request, fn func(map[string]any) error) error {
	local := *cfg
	local.Liveness.DisableSweeper = true
	local.Discovery.Enabled = false
	local.Sinks = config.SinksConfig{}

	orch, err := orchestrator.New(&local, orchestrator.Options{Version: version})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(stopCtx)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var fnErr error
	for res := range orch.Dispatch(ctx, req) {
		if fnErr != nil {
			continue
		}
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		var item map[string]any
		if err := json.Unmarshal(data, &item); err != nil {
			return err
		}
		if fnErr = fn(item); fnErr != nil {
			cancel()
		}
	}
	return fnErr
}

// itemPrinter renders dispatch stream items. Text content is written as it
// arrives so streamed chunks read as one response.
type itemPrinter struct {
	w     io.Writer
	raw   bool
	wrote bool
	err   error
}

func (p *itemPrinter) print(item map[string]any) error {
	if p.raw {
		line, _ := json.Marshal(item)
		fmt.Fprintln(p.w, string(line))
	}
	if code, ok := item["code"].(string); ok {
		msg, _ := item["error"].(string)
		p.err = fmt.Errorf("%s: %s", code, msg)
		if !p.raw {
			p.finish()
			fmt.Fprintln(p.w, color.RedString("error [%s]: %s", code, msg))
		}
		return nil
	}
	if p.raw {
		return nil
	}
	switch c := item["content"].(type) {
	case string:
		fmt.Fprint(p.w, c)
		p.wrote = true
	case nil:
	default:
		out, _ := json.MarshalIndent(c, "", "  ")
		fmt.Fprintln(p.w, string(out))
	}
	return nil
}

func (p *itemPrinter) finish() {
	if p.wrote {
		fmt.Fprintln(p.w)
		p.wrote = false
	}
}
