package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/store"
)

// gotifySender posts to a Gotify server's message API. The subscription
// URL is the server base and the secret is the application token.
type gotifySender struct {
	client *http.Client
}

type gotifyMessage struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

func (g *gotifySender) Send(ctx context.Context, cfg *store.WebhookConfig, evt events.Event) (int, error) {
	body, err := json.Marshal(gotifyMessage{
		Title:    formatTitle(evt.Type),
		Message:  formatMessage(evt),
		Priority: gotifyPriority(evt.Type),
	})
	if err != nil {
		return 0, fault.Wrap(err, fault.Internal, "marshal gotify payload")
	}
	endpoint := strings.TrimRight(cfg.URL, "/") + "/message"
	req, err := newRequest(ctx, endpoint, cfg, contentJSON, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Gotify-Key", cfg.Secret)
	return do(g.client, req, cfg.Name)
}

// gotifyPriority returns 8 for failures, 5 for everything else.
func gotifyPriority(t events.Type) int {
	switch t {
	case events.ContainerFailed, events.SystemError:
		return 8
	default:
		return 5
	}
}
