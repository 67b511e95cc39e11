package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
modules:
  - {mid: a, type: static, interval: 1m}
  - {mid: b, type: static, interval: 1m, disabled: true}
`), 0o600))
	out, err := execute(t, "validate", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (1 modules enabled, 0 outputs)")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("modules:\n  - {mid: a, type: teleport, interval: 1m}\n"), 0o600))
	_, err = execute(t, "validate", "--config", bad)
	assert.ErrorContains(t, err, "unknown module type")
}

func TestStatusCommand(t *testing.T) {
	var gotAuth string
	var gotMIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMIDs = r.URL.Query()["mid"]
		_, _ = w.Write([]byte(`{"scheduler":{"items":[]}}`))
	}))
	defer srv.Close()

	out, err := execute(t, "status", "--addr", srv.URL, "--token", "t0k", "--mid", "cpu", "--mid", "mem")
	require.NoError(t, err)
	assert.JSONEq(t, `{"scheduler":{"items":[]}}`, out)
	assert.Equal(t, "Bearer t0k", gotAuth)
	assert.Equal(t, []string{"cpu", "mem"}, gotMIDs)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	var v struct {
		Version string   `json:"version"`
		Modules []string `json:"modules"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "dev", v.Version)
	assert.Contains(t, v.Modules, "static")
}
