// Package sdnotify reports service state to systemd. Every call is a no-op
// when the process was not started by systemd with Type=notify.
package sdnotify

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "bookbot/pkg/logx"
)

type Notifier struct {
	log logx.Logger

	mu         sync.Mutex
	lastStatus string
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log}
}

func (n *Notifier) send(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return sent
}

// Ready signals that startup finished.
func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

// Stopping signals that shutdown began.
func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status sets the one-line status shown by systemctl status. Repeats of the
// same text are suppressed.
func (n *Notifier) Status(text string) bool {
	n.mu.Lock()
	if text == n.lastStatus {
		n.mu.Unlock()
		return false
	}
	n.lastStatus = text
	n.mu.Unlock()
	return n.send("STATUS=" + text)
}

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// healthy is consulted before every ping; a false result skips it.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				n.send(daemon.SdNotifyWatchdog)
			}
		}
	}
}
