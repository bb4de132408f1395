package notify

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/store"
)

// ntfySender posts plain-text messages to an ntfy topic URL, e.g.
// https://ntfy.sh/selfstart. The secret, when set, is sent as a bearer
// token.
type ntfySender struct {
	client *http.Client
}

func (n *ntfySender) Send(ctx context.Context, cfg *store.WebhookConfig, evt events.Event) (int, error) {
	req, err := newRequest(ctx, cfg.URL, cfg, "text/plain", strings.NewReader(formatMessage(evt)))
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Title", formatTitle(evt.Type))
	req.Header.Set("X-Priority", strconv.Itoa(ntfyPriority(evt.Type)))
	if cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Secret)
	}
	return do(n.client, req, cfg.Name)
}

// ntfyPriority maps failures to urgent (5) and everything else to the
// default level (3).
func ntfyPriority(t events.Type) int {
	switch t {
	case events.ContainerFailed, events.SystemError:
		return 5
	default:
		return 3
	}
}
