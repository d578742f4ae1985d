package netspeed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	"golang.org/x/sync/errgroup"
)

// MeasureConfig controls one speed test.
type MeasureConfig struct {
	// ServerID pins the test to one server; empty picks the closest ServerCount.
	ServerID        string
	ServerCount     int
	FullTestServers int

	SavingMode      bool
	MaxConnections  int
	PingConcurrency int

	// OperationTimeout bounds dialing; it does not wrap the run context.
	OperationTimeout  time.Duration
	DisableHTTP2      bool
	DisableKeepAlives bool

	PacketLoss        bool
	PacketLossTimeout time.Duration
	FreeOSMemory      bool
}

func (c MeasureConfig) withDefaults() MeasureConfig {
	if c.ServerCount <= 0 {
		c.ServerCount = 5
	}
	if c.FullTestServers <= 0 {
		c.FullTestServers = 1
	}
	c.FullTestServers = min(c.FullTestServers, c.ServerCount)
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	if c.PacketLossTimeout <= 0 {
		c.PacketLossTimeout = 3 * time.Second
	}
	return c
}

// Measurement is the outcome of a speed test.
type Measurement struct {
	DownloadMbps  float64       `json:"download_mbps"`
	UploadMbps    float64       `json:"upload_mbps"`
	PingMs        float64       `json:"ping_ms"`
	JitterMs      float64       `json:"jitter_ms"`
	PacketLoss    float64       `json:"packet_loss"`
	ISP           string        `json:"isp"`
	ServerName    string        `json:"server_name"`
	ServerCountry string        `json:"server_country"`
	Duration      time.Duration `json:"duration"`
	Candidates    int           `json:"candidates"`
	FullTests     int           `json:"full_tests"`
}

// Summary is the one-line form stored on the history row.
func (m Measurement) Summary() string {
	s := fmt.Sprintf("down %.2f Mbps, up %.2f Mbps, ping %.0f ms, jitter %.1f ms",
		m.DownloadMbps, m.UploadMbps, m.PingMs, m.JitterMs)
	if m.PacketLoss > 0 {
		s += fmt.Sprintf(", loss %.1f%%", m.PacketLoss)
	}
	if m.ServerName != "" {
		s += fmt.Sprintf(" via %s (%s)", m.ServerName, m.ServerCountry)
	}
	if m.ISP != "" {
		s += ", isp " + m.ISP
	}
	return s
}

// Reporter receives phase updates. check is polled between phases and aborts
// the measurement when it returns an error.
type Reporter struct {
	Progress func(percent int, message string)
	Check    func() error
}

func (r Reporter) progress(p int, msg string) {
	if r.Progress != nil {
		r.Progress(p, msg)
	}
}

func (r Reporter) check(ctx context.Context) error {
	if r.Check != nil {
		if err := r.Check(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Measure runs a speed test against speedtest.net servers.
func Measure(ctx context.Context, cfg MeasureConfig, rep Reporter) (*Measurement, error) {
	if err := rep.check(ctx); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	hc, tr := newHTTPClient(cfg)
	// Package-level speedtest helpers share a default client that retains snapshots across runs.
	stc := st.New(
		st.WithUserConfig(&st.UserConfig{SavingMode: cfg.SavingMode, MaxConnections: cfg.MaxConnections}),
		st.WithDoer(hc),
	)
	stc.SetNThread(cfg.MaxConnections)
	defer func() {
		cancel()
		stc.Snapshots().Clean()
		stc.Reset()
		tr.CloseIdleConnections()
		if cfg.FreeOSMemory {
			debug.FreeOSMemory()
		}
	}()

	rep.progress(0, "fetching client info")
	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	if err := rep.check(ctx); err != nil {
		return nil, err
	}

	rep.progress(5, "fetching server list")
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	candidates, err := pickCandidates(servers, cfg.ServerID, cfg.ServerCount)
	if err != nil {
		return nil, err
	}
	if err := rep.check(ctx); err != nil {
		return nil, err
	}

	rep.progress(10, fmt.Sprintf("pinging %d servers", len(candidates)))
	pinged := pingCandidates(ctx, candidates, cfg.PingConcurrency)
	if err := rep.check(ctx); err != nil {
		return nil, err
	}
	if len(pinged) == 0 {
		return nil, errors.New("all latency tests failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	full := pinged[:min(cfg.FullTestServers, len(pinged))]

	// Full tests run one server at a time to bound memory; they share 20..85%.
	results := make([]serverResult, 0, len(full))
	span := 65 / len(full)
	for i, s := range full {
		base := 20 + i*span
		if err := rep.check(ctx); err != nil {
			return nil, err
		}
		rep.progress(base, "download test on "+s.Sponsor)
		if err := s.DownloadTestContext(ctx); err != nil {
			continue
		}
		if err := rep.check(ctx); err != nil {
			return nil, err
		}
		rep.progress(base+span/2, "upload test on "+s.Sponsor)
		if err := s.UploadTestContext(ctx); err != nil {
			continue
		}
		results = append(results, serverResult{
			server:   s,
			download: s.DLSpeed.Mbps(),
			upload:   s.ULSpeed.Mbps(),
			ping:     s.Latency,
			jitter:   s.Jitter,
		})
		stc.Snapshots().Clean()
		stc.Reset()
	}
	if err := rep.check(ctx); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("full test failed for all servers")
	}

	avg := average(results)
	best := findBest(results)

	loss := 0.0
	if cfg.PacketLoss {
		rep.progress(90, "measuring packet loss")
		host := best.server.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		pctx, pcancel := context.WithTimeout(ctx, cfg.PacketLossTimeout)
		loss = packetLoss(pctx, host)
		pcancel()
	}

	jitter := float64(best.jitter.Microseconds()) / 1000
	if jitter <= 0 {
		jitter = math.Max(0.1, float64(avg.ping.Milliseconds())*0.1)
	}

	return &Measurement{
		DownloadMbps:  avg.download,
		UploadMbps:    avg.upload,
		PingMs:        float64(avg.ping.Microseconds()) / 1000,
		JitterMs:      jitter,
		PacketLoss:    loss,
		ISP:           user.Isp,
		ServerName:    best.server.Sponsor,
		ServerCountry: best.server.Country,
		Duration:      time.Since(start),
		Candidates:    len(candidates),
		FullTests:     len(results),
	}, nil
}

// pickCandidates returns the pinned server, or the closest n by distance.
func pickCandidates(servers st.Servers, id string, n int) (st.Servers, error) {
	if len(servers) == 0 {
		return nil, errors.New("no servers available")
	}
	if id != "" {
		for _, s := range servers {
			if s.ID == id {
				return st.Servers{s}, nil
			}
		}
		return nil, fmt.Errorf("server %q not available", id)
	}
	out := append(st.Servers(nil), servers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out[:min(n, len(out))], nil
}

// pingCandidates returns the servers that answered, in no particular order.
func pingCandidates(ctx context.Context, servers st.Servers, limit int) []*st.Server {
	var (
		mu  sync.Mutex
		out = make([]*st.Server, 0, len(servers))
		g   errgroup.Group
	)
	g.SetLimit(max(limit, 1))
	for _, s := range servers {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
				return nil
			}
			mu.Lock()
			out = append(out, s)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type serverResult struct {
	server   *st.Server
	download float64
	upload   float64
	ping     time.Duration
	jitter   time.Duration
}

func average(results []serverResult) serverResult {
	if len(results) == 0 {
		return serverResult{}
	}
	var dl, ul float64
	var ping time.Duration
	for _, r := range results {
		dl += r.download
		ul += r.upload
		ping += r.ping
	}
	n := len(results)
	return serverResult{download: dl / float64(n), upload: ul / float64(n), ping: ping / time.Duration(n)}
}

// findBest prefers lower ping, then higher download.
func findBest(results []serverResult) *serverResult {
	if len(results) == 0 {
		return nil
	}
	best := &results[0]
	for i := 1; i < len(results); i++ {
		r := &results[i]
		if r.ping < best.ping || (r.ping == best.ping && r.download > best.download) {
			best = r
		}
	}
	return best
}

func packetLoss(ctx context.Context, host string) float64 {
	if host == "" {
		return 0
	}
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0
	}
	return pl.LossPercent()
}

// newHTTPClient builds a dedicated transport so a run's connections can be
// dropped as soon as it ends.
func newHTTPClient(cfg MeasureConfig) (*http.Client, *http.Transport) {
	dialTimeout := 10 * time.Second
	if cfg.OperationTimeout > 0 {
		dialTimeout = max(min(dialTimeout, cfg.OperationTimeout/2), 2*time.Second)
	}
	keepAlive := 30 * time.Second
	if cfg.DisableKeepAlives {
		keepAlive = -1
	}
	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		IdleConnTimeout:       2 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
	}
	if cfg.DisableHTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if !cfg.DisableKeepAlives {
		tr.MaxIdleConns = 64
		tr.MaxIdleConnsPerHost = max(cfg.MaxConnections, 2)
		tr.IdleConnTimeout = 10 * time.Second
	}
	return &http.Client{Transport: tr}, tr
}
