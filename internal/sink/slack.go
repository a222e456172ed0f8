package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/KafClaw/switchboard/internal/bus"
)

// SlackSinkID is the bus subscriber id of the Slack sink.
const SlackSinkID = "slack_alerts"

// DefaultAlertEvents are alerted on when no types are configured.
var DefaultAlertEvents = []string{bus.EventSecurityViolation, bus.EventAgentError}

// alertFields are copied from event data into attachment fields, in order.
var alertFields = []string{"conversation_id", "target", "worker_id", "code", "error", "violations"}

// SlackOptions configures a SlackSink. Either WebhookURL or BotToken plus
// Channel must be set.
type SlackOptions struct {
	WebhookURL string
	BotToken   string
	Channel    string
	APIBase    string
	HTTPClient *http.Client
	Events     []string
	QueueSize  int
}

// SlackSink posts alert events to Slack.
type SlackSink struct {
	*pump
	events []string
	post   func(ctx context.Context, text string, att slack.Attachment) error
}

// NewSlackSink validates opts and builds the sink.
func NewSlackSink(opts SlackOptions) (*SlackSink, error) {
	s := &SlackSink{events: opts.Events}
	if len(s.events) == 0 {
		s.events = DefaultAlertEvents
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}

	switch {
	case strings.TrimSpace(opts.WebhookURL) != "":
		url := strings.TrimSpace(opts.WebhookURL)
		s.post = func(ctx context.Context, text string, att slack.Attachment) error {
			return slack.PostWebhookCustomHTTPContext(ctx, url, hc, &slack.WebhookMessage{
				Text:        text,
				Attachments: []slack.Attachment{att},
			})
		}
	case strings.TrimSpace(opts.BotToken) != "":
		channel := strings.TrimSpace(opts.Channel)
		if channel == "" {
			return nil, errors.New("slack sink: channel is required with a bot token")
		}
		base := strings.TrimSpace(opts.APIBase)
		if base == "" {
			base = "https://slack.com/api"
		}
		api := slack.New(strings.TrimSpace(opts.BotToken),
			slack.OptionHTTPClient(hc),
			slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"),
		)
		s.post = func(ctx context.Context, text string, att slack.Attachment) error {
			_, _, err := api.PostMessageContext(ctx, channel,
				slack.MsgOptionText(text, false),
				slack.MsgOptionAttachments(att),
			)
			return err
		}
	default:
		return nil, errors.New("slack sink: webhook url or bot token is required")
	}

	s.pump = newPump("slack", opts.QueueSize, s.send)
	return s, nil
}

// Attach subscribes the sink to its alert event types.
func (s *SlackSink) Attach(sub Subscriber) bool {
	return sub.Subscribe(SlackSinkID, s.events, s.Handle)
}

func (s *SlackSink) send(ctx context.Context, evt bus.Event) error {
	text, att := formatAlert(evt)
	return withRetry(ctx, 3, 200*time.Millisecond, func() (bool, error) {
		err := s.post(ctx, text, att)
		if err == nil {
			return false, nil
		}
		var rle *slack.RateLimitedError
		if errors.As(err, &rle) && rle != nil {
			if rle.RetryAfter > 0 {
				select {
				case <-ctx.Done():
					return false, err
				case <-time.After(rle.RetryAfter):
				}
			}
			return true, err
		}
		return false, fmt.Errorf("post %s: %w", evt.Type, err)
	})
}

func formatAlert(evt bus.Event) (string, slack.Attachment) {
	text := fmt.Sprintf(":rotating_light: *%s* from %s", evt.Type, evt.Source)

	var fields []slack.AttachmentField
	seen := map[string]struct{}{}
	for _, key := range alertFields {
		v, ok := evt.Data[key]
		if !ok {
			continue
		}
		seen[key] = struct{}{}
		fields = append(fields, slack.AttachmentField{
			Title: key,
			Value: fieldValue(v),
			Short: key != "error" && key != "violations",
		})
	}
	var rest []string
	for key := range evt.Data {
		if _, ok := seen[key]; !ok {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	if len(rest) > 0 {
		fields = append(fields, slack.AttachmentField{Title: "other", Value: strings.Join(rest, ", ")})
	}

	color := "warning"
	if evt.Type == bus.EventSecurityViolation {
		color = "danger"
	}
	return text, slack.Attachment{
		Color:  color,
		Fields: fields,
		Footer: "event " + evt.ID,
		Ts:     json.Number(strconv.FormatInt(evt.Timestamp.Unix(), 10)),
	}
}

func fieldValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, "\n")
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, "\n")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
