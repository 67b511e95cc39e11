package module

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBuiltins(t *testing.T) {
	types := Types()
	for _, want := range []string{"loadavg", "meminfo", "speedtest", "static", "systemd"} {
		assert.Contains(t, types, want)
	}

	_, err := New("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = New("static", json.RawMessage(`{"bogus": 1}`))
	assert.ErrorContains(t, err, "unknown field")
}

func TestStaticModule(t *testing.T) {
	m, err := New("STATIC", json.RawMessage(`{"payload": {"ok": true}}`))
	require.NoError(t, err)
	require.NoError(t, m.Init())

	var buf []byte
	n := m.Collect(&buf)
	require.Positive(t, n)
	assert.JSONEq(t, `{"ok": true}`, string(buf[:n]))
	m.FreeCollectBuffer(buf)

	empty, err := New("static", nil)
	require.NoError(t, err)
	assert.Equal(t, CodeNoData, empty.Collect(&buf))

	failing, err := New("static", json.RawMessage(`{"code": -3}`))
	require.NoError(t, err)
	assert.Equal(t, -3, failing.Collect(&buf))

	_, err = New("static", json.RawMessage(`{"delay": "soon"}`))
	assert.Error(t, err)
}

func writeProcFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loadavg"), []byte("0.25 0.50 1.00 2/300 12345\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(
		"MemTotal:        1000 kB\n"+
			"MemFree:          200 kB\n"+
			"MemAvailable:     400 kB\n"+
			"SwapTotal:        100 kB\n"+
			"SwapFree:          50 kB\n"), 0o644))
	return dir
}

func TestProcfsModules(t *testing.T) {
	raw, err := json.Marshal(procfsConfig{Mount: writeProcFixture(t)})
	require.NoError(t, err)

	la, err := New("loadavg", raw)
	require.NoError(t, err)
	require.NoError(t, la.Init())
	var buf []byte
	n := la.Collect(&buf)
	require.Positive(t, n)
	assert.JSONEq(t, `{"load1":0.25,"load5":0.5,"load15":1}`, string(buf[:n]))

	mi, err := New("meminfo", raw)
	require.NoError(t, err)
	require.NoError(t, mi.Init())
	n = mi.Collect(&buf)
	require.Positive(t, n)
	var p memPayload
	require.NoError(t, json.Unmarshal(buf[:n], &p))
	assert.EqualValues(t, 1000*1024, p.TotalBytes)
	assert.EqualValues(t, 400*1024, p.AvailableBytes)
	assert.InDelta(t, 60.0, p.UsedPercent, 0.001)
}

func TestDailyWindows(t *testing.T) {
	w, err := ParseWindows([]WindowSpec{
		{Days: []string{"mon", "Tuesday"}, From: "08:00", To: "18:00"},
		{Days: []string{"fri"}, From: "22:00", To: "02:00"},
	}, time.UTC)
	require.NoError(t, err)

	at := func(s string) time.Time {
		tm, err := time.Parse("2006-01-02 15:04", s)
		require.NoError(t, err)
		return tm
	}
	// 2024-01-01 is a Monday.
	assert.True(t, w.IsEffectiveAt(at("2024-01-01 08:00")))
	assert.False(t, w.IsEffectiveAt(at("2024-01-01 18:00")))
	assert.False(t, w.IsEffectiveAt(at("2024-01-03 12:00")))
	assert.True(t, w.IsEffectiveAt(at("2024-01-05 23:30")))
	assert.True(t, w.IsEffectiveAt(at("2024-01-06 01:59")))
	assert.False(t, w.IsEffectiveAt(at("2024-01-06 02:00")))
	assert.False(t, w.IsEffectiveAt(at("2024-01-05 01:00")))

	always, err := ParseWindows(nil, nil)
	require.NoError(t, err)
	assert.True(t, always.IsEffectiveAt(time.Time{}))

	for _, bad := range []WindowSpec{
		{From: "8", To: "10:00"},
		{From: "10:00", To: "10:00"},
		{Days: []string{"someday"}, From: "01:00", To: "02:00"},
		{From: "25:00", To: "02:00"},
	} {
		_, err := ParseWindows([]WindowSpec{bad}, time.UTC)
		assert.Error(t, err, "%+v", bad)
	}
}
