package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const minimalJSON = `{
  "telegram": {"token": "123:abc", "channel_id": -1001234567890}
}`

func TestParseAppliesDefaults(t *testing.T) {
	m := NewManager(writeTemp(t, "config.json", minimalJSON))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Booru.SearchURL == "" {
		t.Fatal("search url default missing")
	}
	if cfg.Posting.IntervalMinutes != 60 {
		t.Fatalf("interval default = %d, want 60", cfg.Posting.IntervalMinutes)
	}
	if cfg.Posting.SettingsFile == "" || cfg.Storage.Path == "" {
		t.Fatal("path defaults missing")
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Fatalf("listen default = %q", cfg.Web.Listen)
	}
}

func TestParseStrictRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeTemp(t, "config.json", `{
  "telegram": {"token": "123:abc", "channel_id": 1, "typo_field": true}
}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := NewManager(writeTemp(t, "config.json", minimalJSON+`{"extra": 1}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseYAML(t *testing.T) {
	m := NewManager(writeTemp(t, "config.yaml", `
telegram:
  token: "123:abc"
  channel_id: -100500
booru:
  per_page: 25
posting:
  interval_minutes: 30
`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.ChannelID != -100500 {
		t.Fatalf("channel_id = %d", cfg.Telegram.ChannelID)
	}
	if cfg.Booru.PerPage != 25 || cfg.Posting.IntervalMinutes != 30 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{
			"missing token",
			`{"telegram": {"channel_id": 1}}`,
			"telegram.token",
		},
		{
			"missing channel",
			`{"telegram": {"token": "123:abc"}}`,
			"telegram.channel_id",
		},
		{
			"web enabled without password",
			`{"telegram": {"token": "123:abc", "channel_id": 1}, "web": {"enabled": true, "session_secret": "s"}}`,
			"web.admin_password",
		},
		{
			"web enabled without secret",
			`{"telegram": {"token": "123:abc", "channel_id": 1}, "web": {"enabled": true, "admin_password": "p"}}`,
			"web.session_secret",
		},
		{
			"bad duration",
			`{"telegram": {"token": "123:abc", "channel_id": 1}, "storage": {"busy_timeout": "soon"}}`,
			"storage.busy_timeout",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(writeTemp(t, "config.json", tc.raw))
			_, err := m.Parse()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %q, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	m := NewManager(writeTemp(t, "config.json", minimalJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(1)
	m.publish(cfg)
	select {
	case got := <-sub:
		if got != cfg {
			t.Fatal("published pointer mismatch")
		}
	default:
		t.Fatal("expected published config")
	}

	// A full buffer gets the stale entry replaced, not a blocked publish.
	m.publish(cfg)
	next := &Config{}
	m.publish(next)
	select {
	case got := <-sub:
		if got != next {
			t.Fatal("expected newest config after drop-oldest")
		}
	default:
		t.Fatal("expected a config in the buffer")
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	// Idempotent.
	m.Unsubscribe(sub)
}

func TestParseDurationField(t *testing.T) {
	if _, err := ParseDurationField("x", "10s"); err != nil {
		t.Fatalf("valid duration rejected: %v", err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty duration = %v, %v; want 0, nil", d, err)
	}
	if _, err := ParseDurationField("x", "abc"); err == nil {
		t.Fatal("expected error for bad duration")
	}
	d, err := ParseDurationOrDefault("x", "", 5)
	if err != nil || d != 5 {
		t.Fatalf("default = %v, %v", d, err)
	}
}
