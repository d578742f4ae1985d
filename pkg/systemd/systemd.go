// Package systemd reports service state to the systemd manager through
// sd_notify. Every call is a no-op outside a Type=notify unit.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier wraps sd_notify. The zero value is usable.
type Notifier struct {
	// notify is swapped in tests.
	notify func(state string) (bool, error)
}

func (n Notifier) send(state string) (bool, error) {
	if n.notify != nil {
		return n.notify(state)
	}
	return daemon.SdNotify(false, state)
}

// Ready reports startup completion. It returns false when NOTIFY_SOCKET is unset.
func (n Notifier) Ready() (bool, error) { return n.send(daemon.SdNotifyReady) }

func (n Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n Notifier) Status(format string, args ...any) (bool, error) {
	return n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// WatchdogInterval returns half of WATCHDOG_USEC, or 0 when the watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings the manager every interval while healthy reports true.
// It returns when ctx is done.
func (n Notifier) Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := n.send(daemon.SdNotifyWatchdog); err != nil {
				return fmt.Errorf("watchdog notify: %w", err)
			}
		}
	}
}
