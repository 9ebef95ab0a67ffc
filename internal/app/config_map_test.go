package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookbot/internal/config"
	"bookbot/internal/observability/ops"
	"bookbot/internal/scheduler"
	logx "bookbot/pkg/logx"
)

func minimalConfig() *config.Config {
	return &config.Config{
		Groups:   config.GroupList{"952"},
		Criteria: config.CriteriaConfig{Titles: []string{"BUC: Olympic Weightlifting"}},
	}
}

func TestValidateMinimal(t *testing.T) {
	require.NoError(t, validate(minimalConfig()))
}

func TestValidateRejects(t *testing.T) {
	hour := 25
	cases := map[string]func(c *config.Config){
		"bad api timeout":  func(c *config.Config) { c.API.Timeout = "soon" },
		"negative burst":   func(c *config.Config) { c.API.Burst = -1 },
		"bad session ttl":  func(c *config.Config) { c.Session.TTL = "-1h" },
		"empty group":      func(c *config.Config) { c.Groups = config.GroupList{" "} },
		"earliest hour":    func(c *config.Config) { c.Criteria.EarliestHour = &hour },
		"weekday":          func(c *config.Config) { c.Criteria.ExcludedWeekdays = []string{"funday"} },
		"timezone":         func(c *config.Config) { c.Schedule.Timezone = "Mars/Olympus" },
		"release":          func(c *config.Config) { c.Schedule.Release = "every now and then" },
		"poll interval":    func(c *config.Config) { c.Schedule.PollInterval = "fast" },
		"storage driver":   func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "redis"} },
		"sqlite no path":   func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} },
		"postgres no dsn":  func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "postgres"} },
		"notifier channel": func(c *config.Config) { c.Notifier = &config.NotifierConfig{Channels: []string{"pager"}} },
		"notifier workers": func(c *config.Config) { c.Notifier = &config.NotifierConfig{Workers: -1} },
		"ops timeout":      func(c *config.Config) { c.Ops.ReadTimeout = "x" },
		"telegram timeout": func(c *config.Config) { c.Telegram.Timeout = "1 minute" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := minimalConfig()
			mutate(c)
			assert.Error(t, validate(c))
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(minimalConfig())
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	c := minimalConfig()
	c.Storage = &config.StorageConfig{Driver: "SQLite3", Path: "./b.db"}
	sc, err = mapStorageConfig(c)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	c.Storage = &config.StorageConfig{Driver: "postgresql", DSN: " postgres://u@h/db "}
	sc, err = mapStorageConfig(c)
	require.NoError(t, err)
	assert.Equal(t, "postgres", sc.Driver)
	assert.Equal(t, "postgres://u@h/db", sc.DSN)
}

func TestMapScheduleDefaults(t *testing.T) {
	c := minimalConfig()
	c.Schedule.Timezone = "UTC"
	sc, err := mapScheduleConfig(c)
	require.NoError(t, err)
	assert.Equal(t, scheduler.DefaultLead, sc.Lead)
	assert.Equal(t, scheduler.DefaultPollInterval, sc.PollInterval)
	assert.False(t, sc.ForceActive)

	open, closeAt := sc.Window.Bounds(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	assert.True(t, open.Equal(time.Date(2024, 1, 10, 23, 59, 0, 0, time.UTC)), open)
	assert.True(t, closeAt.Equal(time.Date(2024, 1, 11, 0, 2, 0, 0, time.UTC)), closeAt)
}

func TestMapNotifierDefaultsWhenOmitted(t *testing.T) {
	nc, err := mapNotifierConfig(minimalConfig())
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.Equal(t, 500*time.Millisecond, nc.RetryBase)

	chans, err := buildChannels(minimalConfig(), config.Secrets{}, nil, logx.Nop())
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, "log", chans[0].Name())
}

func TestBuildChannels(t *testing.T) {
	c := minimalConfig()
	c.Notifier = &config.NotifierConfig{
		Enabled:  true,
		Channels: []string{"log", "LOG", "smtp"},
		SMTP:     config.NotifierSMTP{From: "me@example.com"},
	}
	chans, err := buildChannels(c, config.Secrets{SMTPPassword: "pw"}, nil, logx.Nop())
	require.NoError(t, err)
	require.Len(t, chans, 2)
	assert.Equal(t, "log", chans[0].Name())
	assert.Equal(t, "smtp", chans[1].Name())

	_, err = buildChannels(c, config.Secrets{}, nil, logx.Nop())
	assert.Error(t, err, "smtp without password")

	c.Notifier.Channels = []string{"telegram"}
	c.Notifier.Telegram.ChatID = -100123
	_, err = buildChannels(c, config.Secrets{}, nil, logx.Nop())
	assert.Error(t, err, "telegram without a sender")
}

func TestMapOpsConfig(t *testing.T) {
	oc, err := mapOpsConfig(minimalConfig())
	require.NoError(t, err)
	assert.Equal(t, ops.DefaultAddr, oc.Addr)
	assert.False(t, oc.Enabled)
	assert.Equal(t, 5*time.Second, oc.ReadTimeout)
}

func TestMapLogConfigTelegramTarget(t *testing.T) {
	c := minimalConfig()
	c.Telegram.LogChatID = -100777
	c.Logging.Telegram = config.LoggingTelegram{Enabled: true, ThreadID: 4, MinLevel: "warn"}
	lc := mapLogConfig(c)
	assert.Equal(t, int64(-100777), lc.Telegram.ChatID)
	assert.Equal(t, 4, lc.Telegram.ThreadID)
	assert.True(t, lc.Telegram.Enabled)
}
