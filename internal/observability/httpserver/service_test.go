package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostwatch/internal/output"
	rtsup "hostwatch/internal/runtime/supervisor"
	"hostwatch/internal/task/pool"
	"hostwatch/internal/task/scheduler"
	logx "hostwatch/pkg/logx"
)

type stubSched struct{ gotMIDs []string }

func (s *stubSched) GetStatus(mids ...string) scheduler.Snapshot {
	s.gotMIDs = mids
	items := []scheduler.ItemStatus{}
	for _, mid := range mids {
		items = append(items, scheduler.ItemStatus{MID: mid, RunTimes: 3})
	}
	return scheduler.Snapshot{Timezone: "UTC", Started: true, Items: items}
}

type stubPool struct{}

func (stubPool) Snapshot() pool.Snapshot { return pool.Snapshot{Name: "modules", Threads: 2} }

type stubOut struct{}

func (stubOut) Snapshot() []output.ChannelStats {
	return []output.ChannelStats{{Name: "default", Driver: "log", Sent: 7}}
}

func do(t *testing.T, h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	var degraded error
	h := Handler(Sources{Health: func() error { return degraded }}, "tok", false)

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "healthz needs no token")
	assert.Equal(t, "ok", rec.Body.String())

	degraded = errors.New("pool stopped")
	rec = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "pool stopped")
}

func TestStatusFiltersByMID(t *testing.T) {
	sched := &stubSched{}
	h := Handler(Sources{Scheduler: sched, Pool: stubPool{}, Outputs: stubOut{}}, "", false)

	rec := do(t, h, http.MethodGet, "/status?mid=cpu&mid=mem", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"cpu", "mem"}, sched.gotMIDs)

	var doc StatusDoc
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.NotNil(t, doc.Scheduler)
	require.Len(t, doc.Scheduler.Items, 2)
	assert.Equal(t, "mem", doc.Scheduler.Items[1].MID)
	require.NotNil(t, doc.Pool)
	assert.Equal(t, 2, doc.Pool.Threads)
	require.Len(t, doc.Outputs, 1)
	assert.Equal(t, uint64(7), doc.Outputs[0].Sent)
}

func TestStatusOmitsMissingSources(t *testing.T) {
	rec := do(t, Handler(Sources{}, "", false), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.NotContains(t, raw, "scheduler")
	assert.NotContains(t, raw, "pool")
	assert.NotContains(t, raw, "runtime")
	assert.Contains(t, raw, "time")
}

func TestStatusIncludesSupervisorRuntime(t *testing.T) {
	sup := rtsup.New(context.Background())
	defer sup.Cancel()
	require.Error(t, sup.Supervise("module.disk", func() { panic("bad mount") }))

	rec := do(t, Handler(Sources{Runtime: sup}, "", false), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc StatusDoc
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.NotNil(t, doc.Runtime)
	require.Len(t, doc.Runtime.Goroutines, 1)
	g := doc.Runtime.Goroutines[0]
	assert.Equal(t, "module.disk", g.Name)
	assert.Equal(t, uint64(1), g.Panics)
	assert.Equal(t, "bad mount", g.LastPanic)
}

func TestAuth(t *testing.T) {
	h := Handler(Sources{}, "s3cret", false)

	rec := do(t, h, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec = do(t, h, http.MethodGet, "/status", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/status", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/status?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/status?token=nope", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a wrong query token is not rescued by the header")
}

func TestMetricsAndPprofRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "hostwatch_test_total", Help: "test"})
	c.Add(2)
	reg.MustRegister(c)

	h := Handler(Sources{Gatherer: reg}, "", false)
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hostwatch_test_total 2")

	rec = do(t, h, http.MethodGet, "/debug/pprof/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "pprof is off by default")

	h = Handler(Sources{}, "", true)
	rec = do(t, h, http.MethodGet, "/debug/pprof/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, isLoopbackAddr("[::1]:9464"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":9464"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9464"))
	assert.False(t, isLoopbackAddr("10.0.0.1:9464"))
	assert.False(t, isLoopbackAddr("nonsense"))
}

func TestServiceLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	ctx := context.Background()

	s.Start(ctx)
	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never bound")
	}
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
	assert.Nil(t, s.Ready())

	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}

func TestServiceRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	err := s.serveOnce(context.Background())
	assert.ErrorContains(t, err, "insecure bind")
}
