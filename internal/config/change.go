package config

import logx "bookbot/pkg/logx"

// restartSections are read once when the app is built. A reload that
// touches them is committed, but the running components keep the old values.
var restartSections = []string{"api", "session", "storage", "telegram"}

// Change is one committed config transition.
type Change struct {
	Old, New *Config
	// Sections lists the top-level keys that differ, in a stable order.
	Sections []string
	// Fields are safe to log. Secrets never appear.
	Fields []logx.Field
}

func NewChange(old, next *Config) Change {
	sections, fields := SummarizeConfigChange(old, next)
	return Change{Old: old, New: next, Sections: sections, Fields: fields}
}

// Then folds a later change into c.
func (c Change) Then(later Change) Change {
	return NewChange(c.Old, later.New)
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Touches(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// RestartRequired returns the changed sections that only take effect after a
// restart.
func (c Change) RestartRequired() []string {
	var out []string
	for _, s := range restartSections {
		if c.Touches(s) {
			out = append(out, s)
		}
	}
	return out
}
