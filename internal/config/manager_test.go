package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseYAMLConfig(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", `
groups: [952, "953"]
criteria:
  titles:
    - "BUC: Olympic Weightlifting"
    - "BUC: Lower Body Strength"
  earliest_hour: 14
  excluded_weekdays: [monday]
schedule:
  release: "0 0 * * *"
  timezone: "Europe/Stockholm"
  poll_interval: 100ms
storage:
  driver: sqlite
  path: ./bookbot.db
logging:
  level: debug
  console: true
`)

	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Groups) != 2 || cfg.Groups[0] != "952" || cfg.Groups[1] != "953" {
		t.Fatalf("groups = %v", cfg.Groups)
	}
	if cfg.Criteria.EarliestHour == nil || *cfg.Criteria.EarliestHour != 14 {
		t.Fatalf("earliest_hour = %v, want 14", cfg.Criteria.EarliestHour)
	}
	if cfg.Criteria.MaxTier != nil {
		t.Fatalf("max_tier should be unset, got %d", *cfg.Criteria.MaxTier)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Schedule.PollInterval != "100ms" {
		t.Fatalf("poll_interval = %q", cfg.Schedule.PollInterval)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"groups":["952"],"studio":"952"}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"groups":["952"]}{"groups":[]}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestGroupListRejectsFractions(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"groups":[95.2]}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("expected error for non-integer group id")
	}
}

func TestParseSniffsFormatWithoutExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	y := writeFile(t, dir, "bookbot.conf", "groups: [952]\n")
	j := writeFile(t, dir, "bookbot.cfg", `{"groups":["953"]}`)
	for p, want := range map[string]string{y: "952", j: "953"} {
		cfg, err := NewManager(p).Parse()
		if err != nil {
			t.Fatalf("Parse %s: %v", p, err)
		}
		if len(cfg.Groups) != 1 || cfg.Groups[0] != want {
			t.Fatalf("%s groups = %v, want [%s]", p, cfg.Groups, want)
		}
	}
}

func TestParseRejectsSecondYAMLDocument(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", "groups: [952]\n---\ngroups: [953]\n")
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("expected error for multi-document yaml")
	}
}

func TestParseRejectsEmptyFile(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", "  \n")
	_, err := NewManager(p).Parse()
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("err = %v, want empty config error", err)
	}
}

var errNoGroups = errors.New("groups: at least one group is required")

func requireGroups(_ context.Context, cfg *Config) error {
	if len(cfg.Groups) == 0 {
		return errNoGroups
	}
	return nil
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"groups":[]}`)
	m := NewManager(p, WithValidator(requireGroups))
	_, err := m.Load(context.Background())
	if !errors.Is(err, errNoGroups) {
		t.Fatalf("Load err = %v, want %v", err, errNoGroups)
	}
	if m.Get() != nil {
		t.Fatal("rejected config must not be committed")
	}
}

func TestReloadPublishesChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"groups":["952"]}`)
	m := NewManager(p, WithValidator(requireGroups))
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	writeFile(t, dir, "config.json", `{"groups":["953"]}`)
	c, ok, err := m.Reload(context.Background())
	if err != nil || !ok {
		t.Fatalf("Reload = %v, %v", ok, err)
	}
	if !reflect.DeepEqual(c.Sections, []string{"groups"}) {
		t.Fatalf("sections = %v", c.Sections)
	}
	if got := c.RestartRequired(); len(got) != 0 {
		t.Fatalf("groups change should apply live, restart required for %v", got)
	}
	got := <-sub
	if got.Old.Groups[0] != "952" || got.New.Groups[0] != "953" {
		t.Fatalf("published change = %v -> %v", got.Old.Groups, got.New.Groups)
	}

	writeFile(t, dir, "config.json", `{"groups":["953"],"storage":{"driver":"memory"}}`)
	c, ok, err = m.Reload(context.Background())
	if err != nil || !ok {
		t.Fatalf("Reload = %v, %v", ok, err)
	}
	if !reflect.DeepEqual(c.RestartRequired(), []string{"storage"}) {
		t.Fatalf("restart required = %v, want [storage]", c.RestartRequired())
	}
}

func TestReloadUnchangedIsNoop(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"groups":["952"]}`)
	m := NewManager(p)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	if _, ok, err := m.Reload(context.Background()); ok || err != nil {
		t.Fatalf("Reload = %v, %v; want no-op", ok, err)
	}
	if len(sub) != 0 {
		t.Fatal("unchanged file must not publish")
	}
}

func TestReloadRejectedKeepsCommitted(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"groups":["952"]}`)
	m := NewManager(p, WithValidator(requireGroups))
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, body := range []string{`{"groups":[]}`, `{"groups":`} {
		writeFile(t, dir, "config.json", body)
		if _, ok, err := m.Reload(context.Background()); ok || err == nil {
			t.Fatalf("Reload(%s) = %v, %v; want rejection", body, ok, err)
		}
		if got := m.Get(); got.Groups[0] != "952" {
			t.Fatalf("committed groups = %v after rejected reload", got.Groups)
		}
	}
}

func TestPublishFoldsPendingChanges(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "config.json"))
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	a := &Config{Groups: GroupList{"952"}}
	b := &Config{Groups: GroupList{"953"}}
	c := &Config{Groups: GroupList{"953"}, Storage: &StorageConfig{Driver: "memory"}}
	m.publish(NewChange(a, b))
	m.publish(NewChange(b, c))

	got := <-sub
	if got.Old != a || got.New != c {
		t.Fatalf("folded change should span a -> c, got %v -> %v", got.Old, got.New)
	}
	if !got.Touches("groups") || !got.Touches("storage") {
		t.Fatalf("folded sections = %v, want groups and storage", got.Sections)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "groups: [952]\n")
	m := NewManager(p, WithDebounce(20*time.Millisecond))
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Keep writing until the watcher is up and picks one up.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-sub:
			if c.New.Groups[0] != "953" {
				t.Fatalf("watched change = %v", c.New.Groups)
			}
			return
		case <-tick.C:
			writeFile(t, dir, "config.yaml", "groups: [953]\n")
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
