// Quick tool to inject demo shutdown rules and a webhook subscription into
// the SelfStart database (BoltDB).
// Usage: go run ./cmd/inject-rules -db /path/to/selfstart.db
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/selfstart/selfstart/internal/store"
)

func main() {
	dbPath := flag.String("db", "/data/selfstart.db", "path to selfstart.db")
	flag.Parse()

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	rules := []*store.ShutdownRule{
		{
			Name:                "demo-idle-dev",
			Enabled:             true,
			Condition:           store.CondInactivity,
			Action:              store.ActionStop,
			InactivityThreshold: 1800,
			GracePeriod:         60,
			MinUptime:           300,
		},
		{
			Name:            "demo-nightly-media",
			Enabled:         true,
			Condition:       store.CondSchedule,
			Action:          store.ActionStop,
			Cron:            "0 2 * * *",
			Containers:      []string{"jellyfin", "sonarr"},
			AutoRestart:     true,
			RestartSchedule: "0 7 * * *",
		},
		{
			Name:         "demo-low-cpu-pause",
			Enabled:      false,
			Condition:    store.CondLowResources,
			Action:       store.ActionPause,
			CPUThreshold: 2.5,
			GracePeriod:  120,
		},
	}
	for _, r := range rules {
		if err := db.SaveRule(r); err != nil {
			log.Fatalf("save rule %q: %v", r.Name, err)
		}
		fmt.Printf("  rule %d: %s (%s -> %s)\n", r.ID, r.Name, r.Condition, r.Action)
	}

	hook := &store.WebhookConfig{
		Name:    "demo-event-log",
		Type:    "log",
		Events:  []string{"container.started", "container.stopped", "shutdown.executed"},
		Enabled: true,
	}
	if err := db.SaveWebhook(hook); err != nil {
		log.Fatalf("save webhook: %v", err)
	}
	fmt.Printf("  webhook %d: %s (%s)\n", hook.ID, hook.Name, hook.Type)

	fmt.Printf("\nInjected %d rules and 1 webhook. SelfStart picks them up on the next cycle.\n", len(rules))
}
