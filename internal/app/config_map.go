package app

import (
	"fmt"
	"strings"
	"time"

	"bookbot/internal/api"
	"bookbot/internal/classifier"
	"bookbot/internal/config"
	"bookbot/internal/notifier"
	"bookbot/internal/observability/ops"
	"bookbot/internal/scheduler"
	"bookbot/internal/storage"
	kit "bookbot/internal/transport"
	logx "bookbot/pkg/logx"
)

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	timeout, err := config.ParseDurationOrDefault("api.timeout", cfg.API.Timeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	if cfg.API.RatePerSec < 0 {
		return api.Config{}, fmt.Errorf("api.rate_per_sec must be >= 0")
	}
	if cfg.API.Burst < 0 {
		return api.Config{}, fmt.Errorf("api.burst must be >= 0")
	}
	return api.Config{
		BaseURL:    strings.TrimSpace(cfg.API.BaseURL),
		Timeout:    timeout,
		RatePerSec: cfg.API.RatePerSec,
		Burst:      cfg.API.Burst,
	}, nil
}

func mapSessionTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("session.ttl", cfg.Session.TTL, api.DefaultSessionTTL)
}

func mapGroups(cfg *config.Config) ([]string, error) {
	out := make([]string, 0, len(cfg.Groups))
	for i, g := range cfg.Groups {
		g = strings.TrimSpace(g)
		if g == "" {
			return nil, fmt.Errorf("groups[%d] is empty", i)
		}
		out = append(out, g)
	}
	return out, nil
}

func mapCriteria(cfg *config.Config) (*classifier.Classifier, error) {
	days, err := classifier.ParseWeekdays(cfg.Criteria.ExcludedWeekdays)
	if err != nil {
		return nil, fmt.Errorf("criteria.excluded_weekdays: %w", err)
	}
	cls, err := classifier.New(classifier.Criteria{
		Titles:           cfg.Criteria.Titles,
		EarliestHour:     cfg.Criteria.EarliestHour,
		ExcludedWeekdays: days,
		MaxTier:          cfg.Criteria.MaxTier,
		BypassCapacity:   cfg.Criteria.BypassCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("criteria: %w", err)
	}
	return cls, nil
}

func mapScheduleConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Schedule
	loc := time.Local
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	openBefore, err := config.ParseDurationOrDefault("schedule.open_before", sc.OpenBefore, scheduler.DefaultOpenBefore)
	if err != nil {
		return scheduler.Config{}, err
	}
	closeAfter, err := config.ParseDurationOrDefault("schedule.close_after", sc.CloseAfter, scheduler.DefaultCloseAfter)
	if err != nil {
		return scheduler.Config{}, err
	}
	lead, err := config.ParseDurationOrDefault("schedule.lead", sc.Lead, scheduler.DefaultLead)
	if err != nil {
		return scheduler.Config{}, err
	}
	poll, err := config.ParseDurationOrDefault("schedule.poll_interval", sc.PollInterval, scheduler.DefaultPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	w, err := scheduler.NewWindow(strings.TrimSpace(sc.Release), loc, openBefore, closeAfter)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("schedule.release: %w", err)
	}
	return scheduler.Config{
		Window:       w,
		Lead:         lead,
		PollInterval: poll,
		ForceActive:  sc.ForceActive,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch dl {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func notifierSection(cfg *config.Config) *config.NotifierConfig {
	if cfg == nil || cfg.Notifier == nil {
		return config.DefaultNotifierConfig()
	}
	return cfg.Notifier
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := notifierSection(cfg)
	if nc.Workers < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	}
	if nc.QueueSize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	}
	if nc.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	for _, ch := range nc.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "log", "telegram", "smtp":
		default:
			return notifier.Config{}, fmt.Errorf("notifier.channels: unknown channel %q", ch)
		}
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

// buildChannels resolves the configured channel names. An empty list means
// the log channel only.
func buildChannels(cfg *config.Config, sec config.Secrets, sender kit.Sender, log logx.Logger) ([]notifier.Channel, error) {
	nc := notifierSection(cfg)
	names := nc.Channels
	if len(names) == 0 {
		names = []string{"log"}
	}
	seen := map[string]bool{}
	out := make([]notifier.Channel, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case "log":
			out = append(out, notifier.NewLogChannel(log))
		case "telegram":
			ch, err := notifier.NewTelegramChannel(sender, kit.ChatTarget{
				ChatID:   nc.Telegram.ChatID,
				ThreadID: nc.Telegram.ThreadID,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, ch)
		case "smtp":
			ch, err := notifier.NewSMTPChannel(notifier.SMTPConfig{
				Host:     nc.SMTP.Host,
				Port:     nc.SMTP.Port,
				Username: nc.SMTP.Username,
				Password: sec.SMTPPassword,
				From:     nc.SMTP.From,
				To:       nc.SMTP.To,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, ch)
		default:
			return nil, fmt.Errorf("notifier.channels: unknown channel %q", raw)
		}
	}
	return out, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	addr := strings.TrimSpace(oc.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// validate checks everything that can be checked without side effects. It
// is the gate for both startup and hot reload.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSessionTTL(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.timeout", cfg.Telegram.Timeout); err != nil {
		return err
	}
	if _, err := mapGroups(cfg); err != nil {
		return err
	}
	if _, err := mapCriteria(cfg); err != nil {
		return err
	}
	if _, err := mapScheduleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}
