package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/store"
)

// slackSender posts an attachment to a Slack incoming webhook.
type slackSender struct {
	client *http.Client
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
	TS     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (s *slackSender) Send(ctx context.Context, cfg *store.WebhookConfig, evt events.Event) (int, error) {
	subject := eventContainer(evt)
	if subject == "" {
		subject = "System"
	}
	fields := []slackField{
		{Title: "Container", Value: subject, Short: true},
		{Title: "Event", Value: string(evt.Type), Short: true},
	}
	for _, k := range dataKeys(evt) {
		fields = append(fields, slackField{
			Title: k,
			Value: fmt.Sprint(evt.Data[k]),
			Short: true,
		})
	}
	body, err := json.Marshal(slackPayload{
		Text: "SelfStart event: " + string(evt.Type),
		Attachments: []slackAttachment{{
			Color:  slackColor(evt.Type),
			Fields: fields,
			TS:     evt.Timestamp.Unix(),
		}},
	})
	if err != nil {
		return 0, fault.Wrap(err, fault.Internal, "marshal slack payload")
	}
	req, err := newRequest(ctx, cfg.URL, cfg, contentJSON, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	return do(s.client, req, cfg.Name)
}

// slackColor marks start events green and everything else as a warning.
func slackColor(t events.Type) string {
	if strings.Contains(string(t), "started") {
		return "good"
	}
	return "warning"
}
