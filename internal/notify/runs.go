package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

func (s *Service) watchRuns(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			re, ok := ev.Data.(task.RunEvent)
			if !ok {
				continue
			}
			s.mu.Lock()
			cfg := s.cfg
			s.mu.Unlock()
			if !shouldNotify(cfg, re) {
				continue
			}
			if err := s.Notify(ctx, FormatRun(re)); err != nil {
				s.log.Debug("run notification not queued", logx.Int64("run_id", re.RunID), logx.Err(err))
			}
		}
	}
}

func shouldNotify(cfg Config, ev task.RunEvent) bool {
	if ev.Trigger == task.TriggerManual {
		return true
	}
	return cfg.ScheduledFailures && ev.Status == task.StatusFailed
}

// FormatRun renders a finished run for operators.
func FormatRun(ev task.RunEvent) Message {
	name := ev.Name
	if name == "" {
		name = ev.Type
	}
	took := ev.Duration.Round(10 * time.Millisecond)

	var b strings.Builder
	prio := 3
	switch ev.Status {
	case task.StatusSucceeded:
		fmt.Fprintf(&b, "✅ %s finished in %s", name, took)
		if ev.Result != "" {
			fmt.Fprintf(&b, "\n%s", ev.Result)
		}
	case task.StatusCancelled:
		fmt.Fprintf(&b, "⏹ %s cancelled after %s", name, took)
		if ev.Result != "" {
			fmt.Fprintf(&b, " (%s)", ev.Result)
		}
	case task.StatusFailed:
		prio = 7
		fmt.Fprintf(&b, "❌ %s failed after %s", name, took)
		if ev.Error != "" {
			fmt.Fprintf(&b, "\n%s", truncate(ev.Error, 500))
		}
	default:
		fmt.Fprintf(&b, "%s: %s", name, ev.Status)
	}
	fmt.Fprintf(&b, "\n%s run #%d on %s", ev.Trigger, ev.RunID, ev.MachineName)

	return Message{
		Text:     b.String(),
		Priority: prio,
		Key:      fmt.Sprintf("run:%d", ev.RunID),
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
