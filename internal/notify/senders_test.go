package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/selfstart/selfstart/internal/events"
)

func TestDiscordPayloadShape(t *testing.T) {
	srv, rec := captureServer(t)
	d, f := newTestDispatcher(t)

	cfg := webhookCfg(ProviderDiscord, srv.URL)
	f.subs.add(cfg)
	d.deliver(context.Background(), cfg, testEvent(events.ContainerFailed, "app1"))

	_, _, body := rec.snapshot()
	var p struct {
		Content string `json:"content"`
		Embeds  []struct {
			Title  string `json:"title"`
			Color  int    `json:"color"`
			Fields []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"embeds"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("unmarshal discord payload: %v", err)
	}
	if len(p.Embeds) != 1 {
		t.Fatalf("got %d embeds, want 1", len(p.Embeds))
	}
	if p.Embeds[0].Color != 0xff0000 {
		t.Errorf("failed event color = %#x, want 0xff0000", p.Embeds[0].Color)
	}
	if p.Embeds[0].Title != "Container: app1" {
		t.Errorf("embed title = %q, want Container: app1", p.Embeds[0].Title)
	}
	found := false
	for _, fld := range p.Embeds[0].Fields {
		if fld.Name == "container" {
			t.Error("container duplicated as a data field")
		}
		if fld.Name == "rule" && fld.Value == "nightly" {
			found = true
		}
	}
	if !found {
		t.Error("data field rule=nightly missing from embed")
	}
}

func TestDiscordColorByEvent(t *testing.T) {
	cases := []struct {
		typ  events.Type
		want int
	}{
		{events.ContainerStarted, 0x00ff00},
		{events.ContainerStopped, 0xffa500},
		{events.ContainerRestarted, 0x0000ff},
		{events.SystemError, 0xff0000},
		{events.SystemWarning, 0xffff00},
		{events.ScalingUp, 0x808080},
	}
	for _, tc := range cases {
		if got := discordColor(tc.typ); got != tc.want {
			t.Errorf("discordColor(%s) = %#x, want %#x", tc.typ, got, tc.want)
		}
	}
}

func TestSlackPayloadShape(t *testing.T) {
	srv, rec := captureServer(t)
	d, f := newTestDispatcher(t)

	cfg := webhookCfg(ProviderSlack, srv.URL)
	f.subs.add(cfg)
	d.deliver(context.Background(), cfg, testEvent(events.ContainerStarted, "app1"))

	_, _, body := rec.snapshot()
	var p struct {
		Text        string `json:"text"`
		Attachments []struct {
			Color  string `json:"color"`
			Fields []struct {
				Title string `json:"title"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"attachments"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("unmarshal slack payload: %v", err)
	}
	if p.Text != "SelfStart event: container.started" {
		t.Errorf("text = %q", p.Text)
	}
	if len(p.Attachments) != 1 || p.Attachments[0].Color != "good" {
		t.Fatalf("attachments = %+v, want one good-colored attachment", p.Attachments)
	}
	if f0 := p.Attachments[0].Fields[0]; f0.Title != "Container" || f0.Value != "app1" {
		t.Errorf("first field = %+v, want Container app1", f0)
	}

	d.deliver(context.Background(), cfg, testEvent(events.ContainerStopped, "app1"))
	_, _, body = rec.snapshot()
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("unmarshal slack payload: %v", err)
	}
	if p.Attachments[0].Color != "warning" {
		t.Errorf("stopped event color = %q, want warning", p.Attachments[0].Color)
	}
}

func TestGotifyDelivery(t *testing.T) {
	srv, rec := captureServer(t)
	d, f := newTestDispatcher(t)

	cfg := webhookCfg(ProviderGotify, srv.URL)
	cfg.Secret = "apptoken99"
	f.subs.add(cfg)
	d.deliver(context.Background(), cfg, testEvent(events.SystemError, "app1"))

	path, header, body := rec.snapshot()
	if path != "/message" {
		t.Errorf("path = %q, want /message", path)
	}
	if got := header.Get("X-Gotify-Key"); got != "apptoken99" {
		t.Errorf("gotify key = %q, want apptoken99", got)
	}
	var msg gotifyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("unmarshal gotify payload: %v", err)
	}
	if msg.Title != "SelfStart: System Error" {
		t.Errorf("title = %q", msg.Title)
	}
	if msg.Priority != 8 {
		t.Errorf("priority = %d, want 8", msg.Priority)
	}
}

func TestNtfyDelivery(t *testing.T) {
	srv, rec := captureServer(t)
	d, f := newTestDispatcher(t)

	cfg := webhookCfg(ProviderNtfy, srv.URL+"/selfstart")
	cfg.Secret = "tk_123456"
	f.subs.add(cfg)
	d.deliver(context.Background(), cfg, testEvent(events.ContainerStarted, "app1"))

	path, header, body := rec.snapshot()
	if path != "/selfstart" {
		t.Errorf("path = %q, want /selfstart", path)
	}
	if got := header.Get("X-Title"); got != "SelfStart: Container Started" {
		t.Errorf("title = %q", got)
	}
	if got := header.Get("X-Priority"); got != "3" {
		t.Errorf("priority = %q, want 3", got)
	}
	if got := header.Get("Authorization"); got != "Bearer tk_123456" {
		t.Errorf("authorization = %q", got)
	}
	if got := string(body); got != "Container: app1\nrule: nightly\n" {
		t.Errorf("body = %q", got)
	}
}

func TestEventContainerAliases(t *testing.T) {
	cases := []struct {
		data map[string]any
		want string
	}{
		{map[string]any{"container": "a"}, "a"},
		{map[string]any{"container_name": "b"}, "b"},
		{map[string]any{"service": "c"}, "c"},
		{map[string]any{"container": "a", "service": "c"}, "a"},
		{map[string]any{"replicas": 2}, ""},
	}
	for _, tc := range cases {
		evt := events.Event{Type: events.ContainerStarted, Data: tc.data}
		if got := eventContainer(evt); got != tc.want {
			t.Errorf("eventContainer(%v) = %q, want %q", tc.data, got, tc.want)
		}
	}
}
