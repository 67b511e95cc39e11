package output

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostwatch/internal/syncq"
	logx "hostwatch/pkg/logx"
)

type memChannel struct {
	name string
	fail bool

	mu   sync.Mutex
	got  []Result
	gate chan struct{}
}

func (c *memChannel) Name() string { return c.name }

func (c *memChannel) Write(ctx context.Context, r Result) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.fail {
		return errors.New("sink down")
	}
	c.mu.Lock()
	c.got = append(c.got, r)
	c.mu.Unlock()
	return nil
}

func (c *memChannel) Close() error { return nil }

func (c *memChannel) mids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.got))
	for _, r := range c.got {
		out = append(out, r.MID)
	}
	return out
}

// newTestManager builds a manager over in-memory channels, bypassing Open.
func newTestManager(t *testing.T, buf int, chans ...*memChannel) *Manager {
	t.Helper()
	m, err := NewManager(nil)
	require.NoError(t, err)
	for _, c := range chans {
		r := &routed{ch: c, driver: "mem", status: c.name == "status", queue: syncq.NewDiscarding[Result](buf)}
		m.channels[c.name] = r
		m.order = append(m.order, c.name)
		if m.def == "" {
			m.def = c.name
		}
		m.writers.Add(1)
		go func() {
			defer m.writers.Done()
			m.drain(r)
		}()
	}
	return m
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Name: "x", Driver: "kafka"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open(Config{Driver: "log"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Name: "f", Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestManagerRouting(t *testing.T) {
	def := &memChannel{name: "main"}
	extra := &memChannel{name: "extra"}
	status := &memChannel{name: "status"}
	m := newTestManager(t, 8, def, extra, status)

	ts := time.Unix(1700000000, 0)
	require.NoError(t, m.SendResult("static", ts, 0, []byte(`{}`), nil, false, "a"))
	require.NoError(t, m.SendResult("static", ts, 0, []byte(`{}`), []string{"extra", "extra"}, false, "b"))
	require.NoError(t, m.SendResult("static", ts, 0, []byte(`{}`), []string{"main"}, true, "c"))

	err := m.SendResult("static", ts, 0, nil, []string{"nowhere"}, false, "d")
	assert.ErrorIs(t, err, ErrNoChannel)
	assert.EqualValues(t, 1, m.Unrouted())

	require.NoError(t, m.Close(context.Background()))

	assert.Equal(t, []string{"a", "c"}, def.mids())
	assert.Equal(t, []string{"b"}, extra.mids())
	assert.Equal(t, []string{"c"}, status.mids())

	assert.ErrorIs(t, m.SendResult("static", ts, 0, nil, nil, false, "e"), ErrClosed)
}

func TestManagerDiscardsOldestWhenSinkStalls(t *testing.T) {
	slow := &memChannel{name: "slow", gate: make(chan struct{})}
	m := newTestManager(t, 2, slow)

	for _, mid := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, m.SendResult("static", time.Now(), 0, nil, nil, false, mid))
	}
	close(slow.gate)
	require.NoError(t, m.Close(context.Background()))

	got := slow.mids()
	require.NotEmpty(t, got)
	assert.Equal(t, "5", got[len(got)-1])

	stats := m.Snapshot()
	require.Len(t, stats, 1)
	assert.EqualValues(t, len(got), stats[0].Sent)
	assert.EqualValues(t, 5-len(got), stats[0].Discarded)
}

func TestManagerCountsFailures(t *testing.T) {
	bad := &memChannel{name: "bad", fail: true}
	m := newTestManager(t, 4, bad)
	require.NoError(t, m.SendResult("static", time.Now(), 0, nil, nil, false, "x"))
	require.NoError(t, m.Close(context.Background()))

	stats := m.Snapshot()
	assert.EqualValues(t, 1, stats[0].Failed)
	assert.EqualValues(t, 0, stats[0].Sent)
}

func TestFileChannelWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.jsonl")
	m, err := NewManager([]Config{{Name: "default", Driver: "jsonl", Path: path}})
	require.NoError(t, err)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.SendResult("loadavg", ts, 0, []byte(`{"load1":1}`), nil, false, "m1"))
	require.NoError(t, m.SendResult("static", ts, 0, []byte("plain text"), nil, false, "m2"))
	require.NoError(t, m.Close(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "m1", lines[0]["mid"])
	assert.Equal(t, map[string]any{"load1": float64(1)}, lines[0]["payload"])
	assert.NotEmpty(t, lines[0]["run_id"])
	assert.Equal(t, "plain text", lines[1]["raw"])

	stats := m.Snapshot()
	assert.Equal(t, "file", stats[0].Driver)
	assert.EqualValues(t, 2, stats[0].Sent)
}

func TestSQLiteChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	ch, err := Open(Config{Name: "db", Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer ch.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, ch.Write(ctx, Result{RunID: "r", Module: "static", MID: "m1", ExitCode: 0, Payload: []byte(`{}`)}))
	}
	require.NoError(t, ch.Write(ctx, Result{RunID: "r", Module: "static", MID: "m2", Timestamp: time.Now()}))

	n, err := ch.(*sqliteChannel).countResults(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDuplicateOutputName(t *testing.T) {
	_, err := NewManager([]Config{{Name: "a", Driver: "log"}, {Name: "a", Driver: "log"}})
	assert.ErrorContains(t, err, "duplicate output")
}
