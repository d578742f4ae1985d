package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "taskd/pkg/logx"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	validateTimeout    = 5 * time.Second
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// ConfigManager holds the committed config of one file and hands reloaded
// versions to subscribers.
type ConfigManager struct {
	path     string
	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error

	mu  sync.RWMutex
	cfg *Config
	sum uint64 // fingerprint of cfg; editors fire several events per save

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, subs: map[chan *Config]struct{}{}}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check that runs after Validate on every reload.
// A rejected file leaves the committed config in place.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Decode strictly parses JSON or YAML (chosen by the extension of name) and validates it.
func Decode(name string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(name, b)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigManager) read() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Load reads the file and commits it without notifying subscribers.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *ConfigManager) commit(cfg *Config, sum uint64) {
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving each committed reload. Only the
// newest config matters, so a full channel has its pending value replaced.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown or already removed channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case <-ch: // superseded
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload commits and publishes the file when it parses, validates and differs
// from the committed config. It reports whether subscribers were notified.
func (m *ConfigManager) reload(ctx context.Context) bool {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.read()
	if err != nil {
		log.Warn("config parse failed; keeping previous", logx.Err(err))
		return false
	}
	sum := fingerprint(cfg)
	m.mu.RLock()
	same := sum == m.sum
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return false
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return false
		}
	}
	m.commit(cfg, sum)
	m.publish(cfg)
	log.Info("config reloaded", logx.String("fingerprint", fmt.Sprintf("%016x", sum)))
	return true
}

// Watch reloads the file on change until ctx ends. The directory is watched,
// not the file, so atomic-rename saves are seen. A broken watcher is rebuilt
// with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	backoff := restartBackoffBase
	for ctx.Err() == nil {
		established, err := m.watch(ctx)
		if ctx.Err() != nil {
			break
		}
		if established {
			backoff = restartBackoffBase
		}
		wait := backoff + rand.N(backoff/2+1)
		m.log.Warn("config watcher stopped; restarting", logx.Duration("backoff", wait), logx.Err(err))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watch runs one fsnotify session. established reports whether the directory
// was registered before the session ended.
func (m *ConfigManager) watch(ctx context.Context) (established bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("watch init: %w", err)
	}
	defer w.Close()
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir))

	settle := time.NewTimer(reloadDebounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("watch events closed")
			}
			if ev.Op&watchedOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				settle.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return true, errors.New("watch errors closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				settle.Reset(reloadDebounce)
			case errors.Is(err, fsnotify.ErrClosed):
				return true, err
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
