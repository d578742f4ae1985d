package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

type recordSender struct {
	mu    sync.Mutex
	fails int
	texts []string
	got   chan string
}

func newRecorder(fails int) *recordSender {
	return &recordSender{fails: fails, got: make(chan string, 16)}
}

func (r *recordSender) Name() string { return "rec" }

func (r *recordSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("temporary")
	}
	r.texts = append(r.texts, text)
	r.got <- text
	return nil
}

func waitText(t *testing.T, r *recordSender) string {
	t.Helper()
	select {
	case s := <-r.got:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no notification delivered")
		return ""
	}
}

func startService(t *testing.T, cfg Config, bus eventbus.Bus, snd Sender) *Service {
	t.Helper()
	cfg.Enabled = true
	cfg.RatePerSec = 100
	s := New(cfg, logx.Nop(), bus, snd)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestManualRunsAlwaysReported(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	rec := newRecorder(0)
	startService(t, Config{}, bus, rec)

	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: task.RunEvent{
		Name: "Purge", RunID: 7, Trigger: task.TriggerManual, Status: task.StatusSucceeded,
		Result: "removed 3 rows", MachineName: "node-a", Duration: 1500 * time.Millisecond,
	}})
	text := waitText(t, rec)
	assert.Contains(t, text, "Purge finished in 1.5s")
	assert.Contains(t, text, "removed 3 rows")
	assert.Contains(t, text, "manual run #7 on node-a")
}

func TestScheduledRunsOnlyOnFailure(t *testing.T) {
	t.Parallel()
	ok := task.RunEvent{Name: "a", RunID: 1, Trigger: task.TriggerScheduled, Status: task.StatusSucceeded}
	failed := task.RunEvent{Name: "b", RunID: 2, Trigger: task.TriggerScheduled, Status: task.StatusFailed, Error: "disk full"}

	assert.False(t, shouldNotify(Config{ScheduledFailures: true}, ok))
	assert.False(t, shouldNotify(Config{}, failed))
	assert.True(t, shouldNotify(Config{ScheduledFailures: true}, failed))

	bus := eventbus.New()
	rec := newRecorder(0)
	startService(t, Config{ScheduledFailures: true}, bus, rec)
	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: ok})
	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: failed})
	text := waitText(t, rec)
	assert.True(t, strings.HasPrefix(text, "⚠️ ❌ b failed"), text)
	assert.Contains(t, text, "disk full")
}

func TestRetryAndHistory(t *testing.T) {
	t.Parallel()
	rec := newRecorder(2)
	s := startService(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, nil, rec)

	require.NoError(t, s.Notify(context.Background(), Message{Text: "hello"}))
	assert.Equal(t, "hello", waitText(t, rec))

	require.Eventually(t, func() bool { return len(s.Snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	h := s.Snapshot()[0]
	assert.Equal(t, "rec", h.Channel)
	assert.Empty(t, h.Error)
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	rec := newRecorder(0)
	s := startService(t, Config{DedupWindow: time.Hour}, nil, rec)
	ctx := context.Background()
	require.NoError(t, s.Notify(ctx, Message{Text: "one", Key: "k"}))
	require.NoError(t, s.Notify(ctx, Message{Text: "two", Key: "k"}))
	require.NoError(t, s.Notify(ctx, Message{Text: "three", Key: "other"}))
	assert.Equal(t, "one", waitText(t, rec))
	assert.Equal(t, "three", waitText(t, rec))
}

func TestNotifyWhenDisabledOrStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Text: "x"}), ErrDisabled)

	s.Apply(Config{Enabled: true})
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Text: "x"}), ErrStopped)

	s.Start(context.Background())
	assert.True(t, s.Running())
	s.Stop(context.Background())
	assert.False(t, s.Running())
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Text: "x"}), ErrStopped)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	d := retryDelay(cfg, 1)
	assert.GreaterOrEqual(t, d, 70*time.Millisecond)
	assert.LessOrEqual(t, d, 130*time.Millisecond)
}

func TestTelegramSender(t *testing.T) {
	t.Parallel()
	_, err := NewTelegram(TelegramConfig{ChatID: 1})
	require.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "1:x"})
	require.Error(t, err)

	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			bodies <- string(b)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "1:x", ChatID: 42, ThreadID: 5, APIURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, tg.Send(context.Background(), "hello operators"))
	body := <-bodies
	assert.Contains(t, body, "hello operators")
	assert.Contains(t, body, "42")
}
