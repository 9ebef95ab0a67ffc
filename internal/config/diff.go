package config

import (
	"reflect"
	"sort"
	"strings"

	logx "bookbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens and DSNs are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.base_url", strings.TrimSpace(newCfg.API.BaseURL)),
			logx.String("api.timeout", strings.TrimSpace(newCfg.API.Timeout)),
			logx.Int("api.rate_per_sec", newCfg.API.RatePerSec),
		)
	}

	if strings.TrimSpace(oldCfg.Session.TTL) != strings.TrimSpace(newCfg.Session.TTL) {
		changed = append(changed, "session")
		attrs = append(attrs, logx.String("session.ttl", strings.TrimSpace(newCfg.Session.TTL)))
	}

	if !reflect.DeepEqual([]string(oldCfg.Groups), []string(newCfg.Groups)) {
		changed = append(changed, "groups")
		attrs = append(attrs, logx.Strings("groups", newCfg.Groups))
	}

	if !criteriaEqual(oldCfg.Criteria, newCfg.Criteria) {
		changed = append(changed, "criteria")
		attrs = append(attrs,
			logx.Int("criteria.title_count", len(newCfg.Criteria.Titles)),
			logx.Strings("criteria.excluded_weekdays", newCfg.Criteria.ExcludedWeekdays),
			logx.Bool("criteria.bypass_capacity", newCfg.Criteria.BypassCapacity),
		)
		if newCfg.Criteria.EarliestHour != nil {
			attrs = append(attrs, logx.Int("criteria.earliest_hour", *newCfg.Criteria.EarliestHour))
		}
		if newCfg.Criteria.MaxTier != nil {
			attrs = append(attrs, logx.Int("criteria.max_tier", *newCfg.Criteria.MaxTier))
		}
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.release", strings.TrimSpace(newCfg.Schedule.Release)),
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
			logx.String("schedule.open_before", strings.TrimSpace(newCfg.Schedule.OpenBefore)),
			logx.String("schedule.close_after", strings.TrimSpace(newCfg.Schedule.CloseAfter)),
			logx.Bool("schedule.force_active", newCfg.Schedule.ForceActive),
		)
	}

	// Telegram transport
	if strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.timeout", strings.TrimSpace(newCfg.Telegram.Timeout)),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChatID != 0),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Ops server (never log token)
	oOps, nOps := oldCfg.Ops, newCfg.Ops
	oTok, nTok := strings.TrimSpace(oOps.Token) != "", strings.TrimSpace(nOps.Token) != ""
	oOps.Token, nOps.Token = "", ""
	if oOps != nOps || oTok != nTok {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", nTok),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	// Notifier: nil means runtime defaults.
	defN := DefaultNotifierConfig()
	oldN := oldCfg.Notifier
	newN := newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Strings("notifier.channels", newN.Channels),
		)
	}

	// Storage: nil means memory.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet, oDSNSet, nDSNSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
		oDSNSet = strings.TrimSpace(s.DSN) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
		nDSNSet = strings.TrimSpace(s.DSN) != ""
	}
	pathChanged := oldCfg.Storage != nil && newCfg.Storage != nil &&
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path)
	dsnChanged := oldCfg.Storage != nil && newCfg.Storage != nil &&
		strings.TrimSpace(oldCfg.Storage.DSN) != strings.TrimSpace(newCfg.Storage.DSN)
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet || oDSNSet != nDSNSet || pathChanged || dsnChanged {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.Bool("storage.dsn_set", nDSNSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func criteriaEqual(a, b CriteriaConfig) bool {
	if a.BypassCapacity != b.BypassCapacity {
		return false
	}
	if !intPtrEqual(a.EarliestHour, b.EarliestHour) || !intPtrEqual(a.MaxTier, b.MaxTier) {
		return false
	}
	return reflect.DeepEqual(a.Titles, b.Titles) && reflect.DeepEqual(a.ExcludedWeekdays, b.ExcludedWeekdays)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// DefaultNotifierConfig is the effective notifier section when the config
// omits it.
func DefaultNotifierConfig() *NotifierConfig {
	return &NotifierConfig{
		Enabled:       true,
		Workers:       2,
		QueueSize:     256,
		RatePerSec:    3,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
		Channels:      []string{"log"},
	}
}
