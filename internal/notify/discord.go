package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/store"
)

// discordSender posts an embed to a Discord webhook URL.
type discordSender struct {
	client *http.Client
}

type discordPayload struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func (d *discordSender) Send(ctx context.Context, cfg *store.WebhookConfig, evt events.Event) (int, error) {
	subject := eventContainer(evt)
	if subject == "" {
		subject = "System"
	}
	fields := make([]discordField, 0, len(evt.Data))
	for _, k := range dataKeys(evt) {
		fields = append(fields, discordField{
			Name:   k,
			Value:  fmt.Sprint(evt.Data[k]),
			Inline: true,
		})
	}
	body, err := json.Marshal(discordPayload{
		Content: fmt.Sprintf("SelfStart event: `%s`", evt.Type),
		Embeds: []discordEmbed{{
			Title:       "Container: " + subject,
			Description: "Event: " + string(evt.Type),
			Color:       discordColor(evt.Type),
			Timestamp:   evt.Timestamp.UTC().Format(time.RFC3339),
			Fields:      fields,
		}},
	})
	if err != nil {
		return 0, fault.Wrap(err, fault.Internal, "marshal discord payload")
	}
	req, err := newRequest(ctx, cfg.URL, cfg, contentJSON, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	return do(d.client, req, cfg.Name)
}

// discordColor maps the event type to an embed color.
func discordColor(t events.Type) int {
	switch t {
	case events.ContainerStarted:
		return 0x00ff00
	case events.ContainerStopped:
		return 0xffa500
	case events.ContainerFailed, events.SystemError:
		return 0xff0000
	case events.ContainerRestarted:
		return 0x0000ff
	case events.SystemWarning:
		return 0xffff00
	default:
		return 0x808080
	}
}
