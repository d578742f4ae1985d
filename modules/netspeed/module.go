package netspeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskd/internal/config"
	"taskd/internal/module"
	"taskd/internal/task"
	"taskd/internal/task/activator"
	logx "taskd/pkg/logx"
)

const TypeSpeedTest = "NetSpeed.SpeedTest"

var ErrBusy = errors.New("a speed test is already in progress")

// Config is "modules.netspeed.config".
type Config struct {
	ServerID          string `json:"server_id,omitempty"`
	ServerCount       int    `json:"server_count,omitempty"`
	FullTestServers   int    `json:"full_test_servers,omitempty"`
	SavingMode        bool   `json:"saving_mode,omitempty"`
	MaxConnections    int    `json:"max_connections,omitempty"`
	PingConcurrency   int    `json:"ping_concurrency,omitempty"`
	OperationTimeout  string `json:"operation_timeout,omitempty"`
	DisableHTTP2      bool   `json:"disable_http2,omitempty"`
	DisableKeepAlives bool   `json:"disable_keep_alives,omitempty"`
	PacketLoss        bool   `json:"packet_loss,omitempty"`
	PacketLossTimeout string `json:"packet_loss_timeout,omitempty"`
	FreeOSMemory      bool   `json:"free_os_memory,omitempty"`
}

// Module provides the speed-test task. Only one measurement runs at a time per process.
type Module struct {
	mu   sync.RWMutex
	log  logx.Logger
	cfg  MeasureConfig
	busy atomic.Bool

	// measure is swapped in tests.
	measure func(ctx context.Context, cfg MeasureConfig, rep Reporter) (*Measurement, error)
}

func New() *Module {
	return &Module{measure: Measure}
}

func (m *Module) Name() string { return "netspeed" }

func (m *Module) Init(_ context.Context, deps module.Deps) error {
	m.mu.Lock()
	m.log = deps.Log.With(logx.String("module", m.Name()))
	m.mu.Unlock()
	return nil
}

func (m *Module) Tasks() []activator.Registration {
	return []activator.Registration{{
		Type:        TypeSpeedTest,
		DisplayName: "Network speed test",
		Factory:     func() (task.Handler, error) { return &speedTestHandler{m: m}, nil },
	}}
}

func (m *Module) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (m *Module) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	pc, err := parseConfig(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = pc
	m.mu.Unlock()
	return nil
}

func (m *Module) config() MeasureConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func parseConfig(raw json.RawMessage) (MeasureConfig, error) {
	var c Config
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return MeasureConfig{}, err
		}
	}
	var errs []error
	if c.ServerCount < 0 || c.FullTestServers < 0 || c.MaxConnections < 0 || c.PingConcurrency < 0 {
		errs = append(errs, errors.New("counts must be >= 0"))
	}
	opTimeout, err := config.Duration("operation_timeout", c.OperationTimeout, 0)
	if err != nil {
		errs = append(errs, err)
	}
	plTimeout, err := config.Duration("packet_loss_timeout", c.PacketLossTimeout, 3*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	return MeasureConfig{
		ServerID:          strings.TrimSpace(c.ServerID),
		ServerCount:       c.ServerCount,
		FullTestServers:   c.FullTestServers,
		SavingMode:        c.SavingMode,
		MaxConnections:    c.MaxConnections,
		PingConcurrency:   c.PingConcurrency,
		OperationTimeout:  opTimeout,
		DisableHTTP2:      c.DisableHTTP2,
		DisableKeepAlives: c.DisableKeepAlives,
		PacketLoss:        c.PacketLoss,
		PacketLossTimeout: plTimeout,
		FreeOSMemory:      c.FreeOSMemory,
	}, errors.Join(errs...)
}

// speedTestHandler runs one measurement.
//
// Params: server_id, server_count, full_test_servers, packet_loss, timeout.
type speedTestHandler struct{ m *Module }

func (h *speedTestHandler) Run(ctx context.Context, tc *task.Context) error {
	if !h.m.busy.CompareAndSwap(false, true) {
		h.m.mu.RLock()
		log := h.m.log
		h.m.mu.RUnlock()
		log.Warn("speed test rejected (busy)", logx.Int64("run_id", tc.Execution.ID))
		return ErrBusy
	}
	defer h.m.busy.Store(false)

	cfg := h.m.config()
	if v := tc.Param("server_id"); v != "" {
		cfg.ServerID = v
	}
	cfg.ServerCount = tc.ParamInt("server_count", cfg.ServerCount)
	cfg.FullTestServers = tc.ParamInt("full_test_servers", cfg.FullTestServers)
	cfg.PacketLoss = tc.ParamBool("packet_loss", cfg.PacketLoss)

	if v := tc.Param("timeout"); v != "" {
		d, err := config.Duration("timeout", v, 0)
		if err != nil {
			return err
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	// In-flight transfers only observe ctx, so a cancel request is turned into ctx cancellation.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchCancel(ctx, tc, cancel)

	res, err := h.m.measure(ctx, cfg, Reporter{Progress: tc.ReportProgress, Check: tc.CheckCancelled})
	if err != nil {
		if tc.Cancelled() {
			return task.ErrCancelled
		}
		return err
	}
	tc.ReportProgress(100, "done")
	tc.SetResult(res.Summary())
	tc.Log.Info("speed test finished",
		logx.Float64("download_mbps", res.DownloadMbps),
		logx.Float64("upload_mbps", res.UploadMbps),
		logx.Float64("ping_ms", res.PingMs),
		logx.String("server", res.ServerName),
		logx.Duration("took", res.Duration),
	)
	return nil
}

func watchCancel(ctx context.Context, tc *task.Context, cancel context.CancelFunc) {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if tc.Cancelled() {
				cancel()
				return
			}
		}
	}
}
