package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/store"
)

// signatureHeader carries the hex HMAC-SHA256 of the request body so
// receivers can verify the origin.
const signatureHeader = "X-Selfstart-Signature"

// genericSender posts the event envelope as JSON to the subscription URL.
// Subscriptions with a secret get a signed body.
type genericSender struct {
	client *http.Client
}

func (g *genericSender) Send(ctx context.Context, cfg *store.WebhookConfig, evt events.Event) (int, error) {
	body, err := json.Marshal(newEnvelope(evt))
	if err != nil {
		return 0, fault.Wrap(err, fault.Internal, "marshal webhook payload")
	}
	req, err := newRequest(ctx, cfg.URL, cfg, contentJSON, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	if cfg.Secret != "" {
		req.Header.Set(signatureHeader, "sha256="+signBody(cfg.Secret, body))
	}
	return do(g.client, req, cfg.Name)
}

// signBody computes the hex HMAC-SHA256 of body under the secret.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
