package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	goslack "github.com/slack-go/slack"
)

var severityEmoji = map[Severity]string{
	SeverityInfo:    ":information_source:",
	SeverityWarning: ":warning:",
	SeverityError:   ":x:",
}

// SlackConfig holds the parameters needed to construct a SlackNotifier.
type SlackConfig struct {
	Token   string
	Channel string
}

// SlackNotifier delivers alerts to a Slack channel via slack-go.
// Nil-safe: all methods are no-ops when the receiver is nil, so callers
// can hold a *SlackNotifier obtained from an unconfigured environment and
// use it directly without a feature-flag check at every call site.
type SlackNotifier struct {
	api     *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier builds a SlackNotifier. Returns nil if Token or Channel
// is empty, so notification is silently disabled rather than failing.
func NewSlackNotifier(cfg SlackConfig) *SlackNotifier {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &SlackNotifier{
		api:     goslack.New(cfg.Token),
		channel: cfg.Channel,
		logger:  slog.Default().With("component", "notify-slack"),
	}
}

// Notify posts an alert to the configured channel. Fail-open: delivery
// errors are logged, never returned.
func (n *SlackNotifier) Notify(ctx context.Context, severity Severity, title, message string, fields map[string]any) error {
	if n == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	blocks := buildAlertBlocks(severity, title, message, fields)
	if _, _, err := n.api.PostMessageContext(ctx, n.channel, goslack.MsgOptionBlocks(blocks...)); err != nil {
		n.logger.Error("failed to post slack notification", "title", title, "severity", severity, "error", err)
	}
	return nil
}

func buildAlertBlocks(severity Severity, title, message string, fields map[string]any) []goslack.Block {
	emoji := severityEmoji[severity]
	if emoji == "" {
		emoji = ":question:"
	}

	headerText := fmt.Sprintf("%s *%s*", emoji, title)
	blocks := []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false), nil, nil),
	}
	if message != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, message, false, false), nil, nil,
		))
	}
	if len(fields) > 0 {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, formatFields(fields), false, false), nil, nil,
		))
	}
	return blocks
}

func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("*%s*: %v", k, fields[k])
	}
	return out
}
