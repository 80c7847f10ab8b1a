package config

import "strings"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Booru    BooruConfig    `json:"booru"`
	Posting  PostingConfig  `json:"posting"`
	Storage  StorageConfig  `json:"storage"`
	Web      WebConfig      `json:"web"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	ChannelID int64  `json:"channel_id"`
	// GroupLog is an optional chat id for the Telegram log sink.
	GroupLog string `json:"group_log,omitempty"`
}

type BooruConfig struct {
	SearchURL string `json:"search_url"`
	Token     string `json:"token,omitempty"`
	// FilterID is the default content filter used until operators set one at
	// runtime.
	FilterID *int `json:"filter_id,omitempty"`
	PerPage  int  `json:"per_page,omitempty"`
}

type PostingConfig struct {
	// IntervalMinutes is the default cadence; the runtime value lives in the
	// settings file and is editable without touching this config.
	IntervalMinutes int `json:"interval_minutes,omitempty"`
	// SettingsFile is where runtime settings are persisted.
	SettingsFile string `json:"settings_file,omitempty"`
}

// StorageConfig configures the sent-image log.
//
// Driver values: "file" (default) or "sqlite".
type StorageConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"`

	AdminUser      string `json:"admin_user,omitempty"`
	AdminPassword  string `json:"admin_password,omitempty"`
	ViewerUser     string `json:"viewer_user,omitempty"`
	ViewerPassword string `json:"viewer_password,omitempty"`

	SessionSecret string `json:"session_secret,omitempty"`
	// SessionTTL is a Go duration string (default "24h").
	SessionTTL string `json:"session_ttl,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof (admin only).
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level,omitempty"`
	Console  bool              `json:"console"`
	File     LogFileConfig     `json:"file"`
	Telegram LogTelegramConfig `json:"telegram"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LogTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ApplyDefaults fills zero values that have sensible process defaults.
func (c *Config) ApplyDefaults() {
	if c.Booru.SearchURL == "" {
		c.Booru.SearchURL = "https://derpibooru.org/api/v1/json/search/images"
	}
	if c.Posting.IntervalMinutes <= 0 {
		c.Posting.IntervalMinutes = 60
	}
	if c.Posting.SettingsFile == "" {
		c.Posting.SettingsFile = "./settings.json"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./sent_images.json"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Web.SessionTTL == "" {
		c.Web.SessionTTL = "24h"
	}
	if c.Web.AdminUser == "" {
		c.Web.AdminUser = "admin"
	}
	if c.Web.ViewerUser == "" {
		c.Web.ViewerUser = "viewer"
	}
}

// Validate checks the fields no component can default its way around.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errField("telegram.token is required")
	}
	if c.Telegram.ChannelID == 0 {
		return errField("telegram.channel_id is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("web.session_ttl", c.Web.SessionTTL); err != nil {
		return err
	}
	if c.Web.Enabled {
		if strings.TrimSpace(c.Web.AdminPassword) == "" {
			return errField("web.admin_password is required when web is enabled")
		}
		if strings.TrimSpace(c.Web.SessionSecret) == "" {
			return errField("web.session_secret is required when web is enabled")
		}
	}
	return nil
}

type errField string

func (e errField) Error() string { return string(e) }
