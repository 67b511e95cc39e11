package module

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// speedtest measures latency and throughput against the nearest
// speedtest.net servers. It is slow by nature; pair it with a long interval.
type speedtest struct {
	plainBuffer
	cfg speedtestConfig
}

type speedtestConfig struct {
	// Candidates is how many of the nearest servers are pinged.
	Candidates     int    `json:"candidates"`
	MaxConnections int    `json:"max_connections"`
	SavingMode     bool   `json:"saving_mode"`
	SkipUpload     bool   `json:"skip_upload"`
	Timeout        string `json:"timeout"`

	timeout time.Duration
}

type speedtestPayload struct {
	ISP          string  `json:"isp"`
	Server       string  `json:"server"`
	Country      string  `json:"country"`
	DistanceKm   float64 `json:"distance_km"`
	LatencyMs    float64 `json:"latency_ms"`
	JitterMs     float64 `json:"jitter_ms"`
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps,omitempty"`
	DurationMs   int64   `json:"duration_ms"`
}

func newSpeedtest(raw json.RawMessage) (Module, error) {
	cfg := speedtestConfig{Candidates: 5, MaxConnections: 4, timeout: 2 * time.Minute}
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = 5
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("speedtest: invalid timeout %q", cfg.Timeout)
		}
		cfg.timeout = d
	}
	return &speedtest{cfg: cfg}, nil
}

func (m *speedtest) Init() error { return nil }

func (m *speedtest) Collect(out *[]byte) int {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.timeout)
	defer cancel()

	p, err := m.run(ctx)
	if err != nil {
		return CodeError
	}
	return writeJSON(out, p)
}

func (m *speedtest) run(ctx context.Context) (*speedtestPayload, error) {
	start := time.Now()

	// Avoid package-level speedtest helpers; they keep global state.
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     m.cfg.SavingMode,
		MaxConnections: m.cfg.MaxConnections,
	}))
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	n := min(m.cfg.Candidates, len(servers))

	var best *st.Server
	for _, s := range servers[:n] {
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, errors.New("all latency tests failed")
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	p := &speedtestPayload{
		ISP:          user.Isp,
		Server:       best.Sponsor,
		Country:      best.Country,
		DistanceKm:   best.Distance,
		LatencyMs:    float64(best.Latency.Microseconds()) / 1000,
		JitterMs:     float64(best.Jitter.Microseconds()) / 1000,
		DownloadMbps: best.DLSpeed.Mbps(),
	}
	if !m.cfg.SkipUpload {
		if err := best.UploadTestContext(ctx); err != nil {
			return nil, fmt.Errorf("upload test: %w", err)
		}
		p.UploadMbps = best.ULSpeed.Mbps()
	}
	p.DurationMs = time.Since(start).Milliseconds()
	return p, nil
}
