package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Config struct {
	API      APIConfig      `json:"api"`
	Session  SessionConfig  `json:"session"`
	Groups   GroupList      `json:"groups"`
	Criteria CriteriaConfig `json:"criteria"`
	Schedule ScheduleConfig `json:"schedule"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Ops      OpsConfig      `json:"ops,omitempty"`
}

// APIConfig controls the booking API client.
//
// Defaults (when fields are omitted/zero):
//   - base_url: "https://api.bruce.app/v32"
//   - timeout: "10s"
//   - rate_per_sec: 20
//   - burst: 5
type APIConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Burst      int    `json:"burst,omitempty"`
}

// SessionConfig controls token renewal. Credentials never live in the config
// file; see Secrets.
type SessionConfig struct {
	// TTL is a Go duration string. Default "23h".
	TTL string `json:"ttl,omitempty"`
}

// GroupList holds resource group ids (studio ids). YAML configs often write
// them as bare numbers, so both numbers and strings are accepted.
type GroupList []string

func (g *GroupList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("groups: %w", err)
	}
	out := make(GroupList, 0, len(raw))
	for i, r := range raw {
		r = bytes.TrimSpace(r)
		var s string
		if len(r) > 0 && r[0] == '"' {
			if err := json.Unmarshal(r, &s); err != nil {
				return fmt.Errorf("groups[%d]: %w", i, err)
			}
		} else {
			var n json.Number
			if err := json.Unmarshal(r, &n); err != nil {
				return fmt.Errorf("groups[%d]: expected string or number", i)
			}
			if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
				return fmt.Errorf("groups[%d]: %q is not an integer id", i, n.String())
			}
			s = n.String()
		}
		out = append(out, strings.TrimSpace(s))
	}
	*g = out
	return nil
}

// CriteriaConfig is the interest definition fed to the classifier.
//
// MaxTier and EarliestHour are pointers so we can distinguish "omitted" from 0.
type CriteriaConfig struct {
	Titles           []string `json:"titles"`
	EarliestHour     *int     `json:"earliest_hour,omitempty"`
	ExcludedWeekdays []string `json:"excluded_weekdays,omitempty"`
	MaxTier          *int     `json:"max_tier,omitempty"`
	BypassCapacity   bool     `json:"bypass_capacity,omitempty"`
}

// ScheduleConfig controls the activity window.
//
// All durations are Go duration strings (e.g. "100ms", "30s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - release: "0 0 * * *" (midnight)
//   - timezone: Local
//   - open_before: "1m"
//   - close_after: "2m"
//   - lead: "30s"
//   - poll_interval: "100ms"
type ScheduleConfig struct {
	Release      string `json:"release,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	OpenBefore   string `json:"open_before,omitempty"`
	CloseAfter   string `json:"close_after,omitempty"`
	Lead         string `json:"lead,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	ForceActive  bool   `json:"force_active,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true with
// the log channel only.
type NotifierConfig struct {
	Enabled       bool     `json:"enabled"`
	Workers       int      `json:"workers"`
	QueueSize     int      `json:"queue_size"`
	RatePerSec    int      `json:"rate_per_sec"`
	RetryMax      int      `json:"retry_max"`
	RetryBase     string   `json:"retry_base"`
	RetryMaxDelay string   `json:"retry_max_delay"`
	Channels      []string `json:"channels,omitempty"`

	Telegram NotifierTelegram `json:"telegram,omitempty"`
	SMTP     NotifierSMTP     `json:"smtp,omitempty"`
}

type NotifierTelegram struct {
	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// NotifierSMTP configures mail delivery. The password comes from
// BOOKBOT_SMTP_PASSWORD.
type NotifierSMTP struct {
	Host     string   `json:"host,omitempty"` // default: "smtp.gmail.com"
	Port     int      `json:"port,omitempty"` // default: 465 (implicit TLS)
	From     string   `json:"from,omitempty"`
	To       []string `json:"to,omitempty"`
	Username string   `json:"username,omitempty"` // default: from
}

// StorageConfig controls the dedup store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./bookbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// OpsConfig controls the optional operations HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TelegramConfig struct {
	// Timeout is a Go duration string bounding each Bot API call.
	Timeout string `json:"timeout,omitempty"`
	// LogChatID is where the telegram log sink posts.
	LogChatID int64 `json:"log_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
