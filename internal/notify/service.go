package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskd/internal/eventbus"
	"taskd/internal/runtime/supervisor"
	logx "taskd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	sendTimeout  = 10 * time.Second
	historyLimit = 200
	dedupMax     = 2000
)

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	bus     eventbus.Bus
	cfg     Config
	senders []Sender
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Message
	sup       *supervisor.Supervisor
	unsub     func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, senders ...Sender) *Service {
	s := &Service{
		log:     log.With(logx.String("comp", "notify")),
		bus:     bus,
		senders: senders,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Queue size takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetSenders replaces the delivery channels.
func (s *Service) SetSenders(senders ...Sender) {
	s.mu.Lock()
	s.senders = senders
	s.mu.Unlock()
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// Start launches the worker and the run watcher. It is a no-op when disabled
// or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	q := make(chan Message, s.cfg.QueueSize)
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.queue, s.sup, s.accepting = q, sup, true

	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(64, eventbus.RunFinished)
	}
	s.mu.Unlock()

	sup.GoRestart("worker", func(c context.Context) error {
		s.workerLoop(c, q)
		if c.Err() != nil {
			return c.Err()
		}
		return nil
	})
	if events != nil {
		sup.Go0("runs", func(c context.Context) { s.watchRuns(c, events) })
	}
	s.log.Debug("notifier started", logx.Int("queue", cap(q)))
}

// Stop stops intake, then drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, q, unsub := s.sup, s.queue, s.unsub
	if sup == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.sup, s.queue, s.unsub = nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier stop: queue not drained", logx.Err(err))
	}
}

// Notify enqueues m. Duplicates within the dedup window are dropped silently.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && m.Key != "" && !s.dedupAllow(m.Key, window) {
		s.log.Debug("notification deduped", logx.String("key", m.Key))
		return nil
	}
	select {
	case q <- m:
		return nil
	default:
		s.log.Warn("notification dropped", logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

// workerLoop drains q until it is closed. Cancellation of ctx abandons the rest.
func (s *Service) workerLoop(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, m)
		}
	}
}

func (s *Service) deliver(ctx context.Context, m Message) {
	s.mu.Lock()
	cfg, lim, senders := s.cfg, s.limiter, s.senders
	s.mu.Unlock()

	text := prefixForPriority(m.Priority) + m.Text
	for _, snd := range senders {
		err := s.sendWithRetry(ctx, cfg, lim, snd, text)
		it := HistoryItem{At: time.Now(), Channel: snd.Name(), Text: text}
		if err != nil {
			it.Error = err.Error()
			s.log.Warn("notification failed", logx.String("channel", snd.Name()), logx.Err(err))
		}
		s.appendHistory(it)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, snd Sender, text string) error {
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := snd.Send(cctx, text)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("channel", snd.Name()), logx.Err(err),
			logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", snd.Name(), lastErr)
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	if len(s.dedup) >= dedupMax {
		// Over capacity: forget everything rather than scan for the oldest.
		clear(s.dedup)
	}
	s.dedup[key] = now.Add(window)
	return true
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}
