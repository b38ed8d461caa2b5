package alert

import (
	"context"
	"fmt"
	"sort"
	"time"

	gwhttp "trade_gateway/pkg/http"
)

var slackColors = map[AlertLevel]string{
	Info:     "#36a64f",
	Warning:  "#ffcc00",
	Error:    "#ff0000",
	Critical: "#8b0000",
}

// SlackChannel posts attachments to an incoming webhook.
type SlackChannel struct {
	client *gwhttp.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	if webhookURL == "" {
		return &SlackChannel{}
	}
	return &SlackChannel{
		client: gwhttp.NewClient(webhookURL, nil, gwhttp.Options{Timeout: 5 * time.Second, MaxRetries: 2}),
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color   string       `json:"color"`
	Pretext string       `json:"pretext"`
	Text    string       `json:"text"`
	Fields  []slackField `json:"fields,omitempty"`
	Ts      int64        `json:"ts"`
	Footer  string       `json:"footer"`
}

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.client == nil {
		return nil
	}

	var fields []slackField
	for _, k := range sortedKeys(alert.Fields) {
		fields = append(fields, slackField{Title: k, Value: alert.Fields[k], Short: true})
	}

	att := slackAttachment{
		Color:   slackColors[alert.Level],
		Pretext: headline(alert),
		Text:    alert.Message,
		Fields:  fields,
		Ts:      alert.Timestamp.Unix(),
		Footer:  "trade gateway",
	}
	if alert.Repeats > 0 {
		att.Text += fmt.Sprintf("\n_(%d similar alerts suppressed)_", alert.Repeats)
	}

	if _, err := s.client.Post(ctx, "", map[string]interface{}{"attachments": []slackAttachment{att}}); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func headline(alert AlertPayload) string {
	if alert.Venue == "" {
		return fmt.Sprintf("[%s] %s", alert.Level, alert.Title)
	}
	return fmt.Sprintf("[%s] %s: %s", alert.Level, alert.Venue, alert.Title)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "venue" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
