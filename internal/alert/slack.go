package alert

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

var slackColors = map[Level]string{
	LevelInfo:     "#36a64f",
	LevelWarning:  "#ffcc00",
	LevelError:    "#ff0000",
	LevelCritical: "#8b0000",
}

// SlackChannel posts alerts to an incoming-webhook URL as colored
// attachments.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, p Payload) error {
	if s.webhookURL == "" {
		return nil
	}

	attachment := map[string]interface{}{
		"color":   slackColors[p.Level],
		"pretext": fmt.Sprintf("[%s] %s", p.Level, p.Title),
		"text":    p.Message,
		"ts":      p.Timestamp.Unix(),
		"footer":  "gridbot",
	}
	if len(p.Fields) > 0 {
		fields := make([]map[string]interface{}, 0, len(p.Fields))
		for k, v := range p.Fields {
			fields = append(fields, map[string]interface{}{
				"title": k, "value": v, "short": true,
			})
		}
		attachment["fields"] = fields
	}

	return postJSON(ctx, s.client, s.webhookURL, map[string]interface{}{
		"attachments": []map[string]interface{}{attachment},
	})
}
