package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/store"
)

const (
	userAgent   = "SelfStart-Webhook/1.0"
	contentJSON = "application/json"
	sendTimeout = 10 * time.Second
)

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: sendTimeout}
}

// envelope is the JSON body for generic webhook and MQTT deliveries.
type envelope struct {
	Event         string         `json:"event"`
	ContainerName string         `json:"container_name,omitempty"`
	Source        string         `json:"source"`
	Timestamp     string         `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
}

func newEnvelope(evt events.Event) envelope {
	return envelope{
		Event:         string(evt.Type),
		ContainerName: eventContainer(evt),
		Source:        "selfstart",
		Timestamp:     evt.Timestamp.UTC().Format(time.RFC3339),
		Data:          evt.Data,
	}
}

// eventContainer pulls the container name out of the event payload.
// Publishers use "container", "container_name", or "service" depending on
// the loop.
func eventContainer(evt events.Event) string {
	for _, key := range []string{"container", "container_name", "service"} {
		if v, ok := evt.Data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// dataKeys returns the event payload keys in stable order, without the
// container aliases that already have their own field in provider
// payloads.
func dataKeys(evt events.Event) []string {
	keys := make([]string, 0, len(evt.Data))
	for k := range evt.Data {
		switch k {
		case "container", "container_name", "service":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatTitle produces a human-readable notification title.
func formatTitle(t events.Type) string {
	words := strings.Split(string(t), ".")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return "SelfStart: " + strings.Join(words, " ")
}

// formatMessage builds a plain-text notification body from the event
// payload.
func formatMessage(evt events.Event) string {
	var b strings.Builder
	if name := eventContainer(evt); name != "" {
		fmt.Fprintf(&b, "Container: %s\n", name)
	}
	for _, k := range dataKeys(evt) {
		fmt.Fprintf(&b, "%s: %v\n", k, evt.Data[k])
	}
	return b.String()
}

// newRequest builds a POST with the standard headers. Subscription
// headers are applied last so operators can override the defaults.
func newRequest(ctx context.Context, url string, cfg *store.WebhookConfig, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fault.Wrap(err, fault.Validation, "request for webhook %s", cfg.Name)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", userAgent)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// do executes the request and maps non-2xx responses to errors.
func do(client *http.Client, req *http.Request, name string) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, fault.Wrap(err, fault.BackendError, "send to %s", name)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fault.New(fault.BackendError, "%s returned %s", name, resp.Status)
	}
	return resp.StatusCode, nil
}
