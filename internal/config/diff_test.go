package config

import (
	"reflect"
	"testing"
)

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	hour := 14
	oldCfg := &Config{
		Groups:   GroupList{"952"},
		Criteria: CriteriaConfig{Titles: []string{"BUC: Lower Body Strength"}},
		Ops:      OpsConfig{Enabled: true, Token: "a"},
	}
	newCfg := &Config{
		Groups:   GroupList{"952"},
		Criteria: CriteriaConfig{Titles: []string{"BUC: Lower Body Strength"}, EarliestHour: &hour},
		Ops:      OpsConfig{Enabled: true, Token: "b"},
	}

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if !reflect.DeepEqual(sections, []string{"criteria"}) {
		t.Fatalf("sections = %v, want [criteria]", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs for the changed section")
	}
}

func TestSummarizeConfigChangeNilNotifierUsesDefaults(t *testing.T) {
	t.Parallel()
	sections, _ := SummarizeConfigChange(&Config{}, &Config{Notifier: DefaultNotifierConfig()})
	if len(sections) != 0 {
		t.Fatalf("sections = %v, want none", sections)
	}
}

func TestSummarizeConfigChangeStoragePath(t *testing.T) {
	t.Parallel()
	a := &Config{Storage: &StorageConfig{Driver: "sqlite", Path: "a.db"}}
	b := &Config{Storage: &StorageConfig{Driver: "sqlite", Path: "b.db"}}
	sections, _ := SummarizeConfigChange(a, b)
	if !reflect.DeepEqual(sections, []string{"storage"}) {
		t.Fatalf("sections = %v, want [storage]", sections)
	}
}
