package housekeeping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"taskd/internal/config"
	"taskd/internal/module"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/activator"
	logx "taskd/pkg/logx"
)

const (
	TypePurgeHistory     = "Housekeeping.PurgeHistory"
	TypeCleanupTempFiles = "Housekeeping.CleanupTempFiles"
)

// Config is "modules.housekeeping.config". Task parameters override it per run.
type Config struct {
	HistoryMaxAge   string `json:"history_max_age,omitempty"`
	HistoryMaxCount int    `json:"history_max_count,omitempty"`

	TempDir       string `json:"temp_dir,omitempty"`        // default os.TempDir()
	TempMaxAge    string `json:"temp_max_age,omitempty"`    // default "24h"
	TempPattern   string `json:"temp_pattern,omitempty"`    // default "*"
	TempMaxDelete int    `json:"temp_max_delete,omitempty"` // 0 means no cap
}

type settings struct {
	historyMaxAge   time.Duration
	historyMaxCount int
	tempDir         string
	tempMaxAge      time.Duration
	tempPattern     string
	tempMaxDelete   int
}

type Module struct {
	mu    sync.RWMutex
	log   logx.Logger
	store storage.Store
	cfg   settings
}

func New() *Module {
	s, _ := parseConfig(nil)
	return &Module{cfg: s}
}

func (m *Module) Name() string { return "housekeeping" }

func (m *Module) Init(_ context.Context, deps module.Deps) error {
	if deps.Store == nil {
		return errors.New("housekeeping: store is required")
	}
	m.mu.Lock()
	m.store = deps.Store
	m.log = deps.Log.With(logx.String("module", m.Name()))
	m.mu.Unlock()
	return nil
}

func (m *Module) Tasks() []activator.Registration {
	return []activator.Registration{
		{
			Type:        TypePurgeHistory,
			DisplayName: "Purge task history",
			Factory:     func() (task.Handler, error) { return &purgeHandler{m: m}, nil },
		},
		{
			Type:        TypeCleanupTempFiles,
			DisplayName: "Clean up temporary files",
			Factory:     func() (task.Handler, error) { return &cleanupHandler{m: m}, nil },
		},
	}
}

func (m *Module) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (m *Module) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	s, err := parseConfig(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = s
	m.mu.Unlock()
	return nil
}

func (m *Module) snapshot() (settings, storage.Store) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, m.store
}

func parseConfig(raw json.RawMessage) (settings, error) {
	var c Config
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return settings{}, err
		}
	}
	var errs []error
	s := settings{
		historyMaxCount: c.HistoryMaxCount,
		tempDir:         strings.TrimSpace(c.TempDir),
		tempPattern:     strings.TrimSpace(c.TempPattern),
		tempMaxDelete:   c.TempMaxDelete,
	}
	var err error
	if s.historyMaxAge, err = config.Duration("history_max_age", c.HistoryMaxAge, 0); err != nil {
		errs = append(errs, err)
	}
	if s.tempMaxAge, err = config.Duration("temp_max_age", c.TempMaxAge, 24*time.Hour); err != nil {
		errs = append(errs, err)
	}
	if c.HistoryMaxCount < 0 {
		errs = append(errs, errors.New("history_max_count must be >= 0"))
	}
	if c.TempMaxDelete < 0 {
		errs = append(errs, errors.New("temp_max_delete must be >= 0"))
	}
	if s.tempDir == "" {
		s.tempDir = os.TempDir()
	}
	if s.tempPattern == "" {
		s.tempPattern = "*"
	}
	if err := checkPattern(s.tempPattern); err != nil {
		errs = append(errs, fmt.Errorf("temp_pattern: %w", err))
	}
	return s, errors.Join(errs...)
}
