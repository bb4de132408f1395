// Package notify delivers bus events to persisted webhook subscriptions.
// Each subscription names a provider (generic webhook, Discord, Slack,
// MQTT, Gotify, ntfy, or the structured log) and the event types it wants;
// the dispatcher fans matching events out with retries and records every
// delivery in the relational tier.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selfstart/selfstart/internal/clock"
	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/hooks"
	"github.com/selfstart/selfstart/internal/logging"
	"github.com/selfstart/selfstart/internal/metrics"
	"github.com/selfstart/selfstart/internal/store"
)

// Accepted webhook provider types.
const (
	ProviderWebhook = "webhook"
	ProviderDiscord = "discord"
	ProviderSlack   = "slack"
	ProviderMQTT    = "mqtt"
	ProviderGotify  = "gotify"
	ProviderNtfy    = "ntfy"
	ProviderLog     = "log"
)

// ProviderTypes lists the accepted webhook provider types.
func ProviderTypes() []string {
	return []string{
		ProviderWebhook, ProviderDiscord, ProviderSlack,
		ProviderMQTT, ProviderGotify, ProviderNtfy, ProviderLog,
	}
}

const (
	// deliveryAttempts is how many times one delivery is tried before it
	// is recorded as failed.
	deliveryAttempts = 3
	// retryDelay is the base wait between attempts; it grows with the
	// attempt number.
	retryDelay = 5 * time.Second
)

// Sender delivers one event to a subscription endpoint. The returned
// status is the HTTP response code where the transport has one, zero
// otherwise.
type Sender interface {
	Send(ctx context.Context, cfg *store.WebhookConfig, evt events.Event) (int, error)
}

// Subscriptions is the persistence surface the dispatcher needs.
type Subscriptions interface {
	SaveWebhook(w *store.WebhookConfig) error
	GetWebhook(id uint64) (*store.WebhookConfig, error)
	ListWebhooks() ([]*store.WebhookConfig, error)
	DeleteWebhook(id uint64) error
	AppendWebhookLog(l *store.WebhookLog) error
	ListWebhookLogs(webhookID uint64, limit int) ([]*store.WebhookLog, error)
}

// Dispatcher consumes the event bus and delivers matching events to every
// enabled subscription.
type Dispatcher struct {
	subs    Subscriptions
	bus     *events.Bus
	hooks   *hooks.Bus
	log     *logging.Logger
	clock   clock.Clock
	senders map[string]Sender

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the full provider set wired.
func NewDispatcher(subs Subscriptions, bus *events.Bus, hk *hooks.Bus, log *logging.Logger, clk clock.Clock) *Dispatcher {
	log = log.Named("notify")
	client := newHTTPClient()
	return &Dispatcher{
		subs:  subs,
		bus:   bus,
		hooks: hk,
		log:   log,
		clock: clk,
		senders: map[string]Sender{
			ProviderWebhook: &genericSender{client: client},
			ProviderDiscord: &discordSender{client: client},
			ProviderSlack:   &slackSender{client: client},
			ProviderMQTT:    &mqttSender{},
			ProviderGotify:  &gotifySender{client: client},
			ProviderNtfy:    &ntfySender{client: client},
			ProviderLog:     &logSender{log: log},
		},
	}
}

// Run consumes the event bus until ctx is cancelled, then waits for
// in-flight deliveries to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	sub, cancel := d.bus.Subscribe()
	defer cancel()

	d.log.Info("webhook dispatcher started")
	for {
		select {
		case evt := <-sub:
			d.dispatch(ctx, evt)
		case <-ctx.Done():
			d.wg.Wait()
			d.log.Info("webhook dispatcher stopped")
			return
		}
	}
}

// dispatch fans one event out to every enabled subscription whose event
// list matches. Deliveries run concurrently so a slow endpoint cannot
// back up the bus.
func (d *Dispatcher) dispatch(ctx context.Context, evt events.Event) {
	subs, err := d.subs.ListWebhooks()
	if err != nil {
		d.log.Error("webhook subscriptions unavailable", "error", err)
		return
	}
	for _, cfg := range subs {
		if !cfg.Enabled || !subscribed(cfg, evt.Type) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(ctx, cfg, evt)
		}()
	}
}

// subscribed reports whether the subscription wants this event type. An
// empty event list subscribes to everything.
func subscribed(cfg *store.WebhookConfig, t events.Type) bool {
	if len(cfg.Events) == 0 {
		return true
	}
	for _, e := range cfg.Events {
		if e == string(t) {
			return true
		}
	}
	return false
}

// deliver tries one delivery up to deliveryAttempts times and records the
// outcome in the webhook log.
func (d *Dispatcher) deliver(ctx context.Context, cfg *store.WebhookConfig, evt events.Event) {
	sender, ok := d.senders[cfg.Type]
	if !ok {
		d.log.Error("unknown webhook provider", "webhook", cfg.Name, "type", cfg.Type)
		return
	}

	deliveryID := uuid.NewString()
	d.fireHook(ctx, hooks.OnWebhookTrigger, hooks.Payload{
		"webhook":     cfg.Name,
		"provider":    cfg.Type,
		"event":       string(evt.Type),
		"delivery_id": deliveryID,
	})

	var (
		status int
		err    error
	)
	attempts := 0
	for attempts < deliveryAttempts {
		attempts++
		status, err = sender.Send(ctx, cfg, evt)
		if err == nil {
			break
		}
		d.log.Warn("webhook delivery attempt failed",
			"webhook", cfg.Name, "attempt", attempts, "error", err)
		if attempts < deliveryAttempts && !clock.Sleep(ctx, d.clock, retryDelay*time.Duration(attempts)) {
			break
		}
	}

	entry := &store.WebhookLog{
		WebhookID:  cfg.ID,
		DeliveryID: deliveryID,
		Event:      string(evt.Type),
		StatusCode: status,
		Success:    err == nil,
		Attempts:   attempts,
		Timestamp:  d.clock.Now().UTC(),
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
		entry.Error = err.Error()
		d.log.Error("webhook delivery failed",
			"webhook", cfg.Name, "event", string(evt.Type), "attempts", attempts, "error", err)
	} else {
		d.log.Info("webhook delivered",
			"webhook", cfg.Name, "event", string(evt.Type), "delivery_id", deliveryID)
	}
	metrics.WebhookDeliveries.WithLabelValues(cfg.Type, outcome).Inc()

	if lerr := d.subs.AppendWebhookLog(entry); lerr != nil {
		d.log.Warn("webhook log not recorded", "webhook", cfg.Name, "error", lerr)
	}
}

func (d *Dispatcher) fireHook(ctx context.Context, point hooks.Point, payload hooks.Payload) {
	for _, res := range d.hooks.Trigger(ctx, point, payload) {
		if res.Err != nil {
			d.log.Warn("hook subscriber failed",
				"point", string(point), "subscriber", res.Subscriber, "error", res.Err)
		}
	}
}

// SaveWebhook validates and persists a subscription.
func (d *Dispatcher) SaveWebhook(cfg *store.WebhookConfig) error {
	if err := d.validate(cfg); err != nil {
		return err
	}
	if err := d.subs.SaveWebhook(cfg); err != nil {
		return err
	}
	d.log.Info("webhook saved", "webhook", cfg.Name, "type", cfg.Type, "id", cfg.ID)
	return nil
}

func (d *Dispatcher) validate(cfg *store.WebhookConfig) error {
	if cfg.Name == "" {
		return fault.New(fault.Validation, "webhook name is required")
	}
	if _, ok := d.senders[cfg.Type]; !ok {
		return fault.New(fault.Validation, "unknown webhook provider %q", cfg.Type)
	}
	if cfg.Type != ProviderLog && cfg.URL == "" {
		return fault.New(fault.Validation, "webhook url is required")
	}
	return nil
}

// Webhook loads one subscription by id.
func (d *Dispatcher) Webhook(id uint64) (*store.WebhookConfig, error) {
	return d.subs.GetWebhook(id)
}

// Webhooks lists all subscriptions.
func (d *Dispatcher) Webhooks() ([]*store.WebhookConfig, error) {
	return d.subs.ListWebhooks()
}

// RemoveWebhook deletes a subscription. Its delivery logs are kept.
func (d *Dispatcher) RemoveWebhook(id uint64) error {
	if err := d.subs.DeleteWebhook(id); err != nil {
		return err
	}
	d.log.Info("webhook removed", "id", id)
	return nil
}

// Logs returns delivery logs newest first. A zero webhookID spans all
// subscriptions.
func (d *Dispatcher) Logs(webhookID uint64, limit int) ([]*store.WebhookLog, error) {
	return d.subs.ListWebhookLogs(webhookID, limit)
}

// Test pushes a synthetic system.warning through the delivery path so an
// operator can verify a subscription end to end. The outcome lands in the
// delivery log like any other event.
func (d *Dispatcher) Test(ctx context.Context, id uint64) error {
	cfg, err := d.subs.GetWebhook(id)
	if err != nil {
		return err
	}
	d.deliver(ctx, cfg, events.Event{
		Type:      events.SystemWarning,
		Data:      map[string]any{"message": "Test webhook from SelfStart"},
		Timestamp: d.clock.Now(),
	})
	return nil
}
