package output

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "hostwatch/pkg/logx"
)

// fileChannel appends one JSON object per line.
type fileChannel struct {
	name string
	log  logx.Logger

	mu sync.Mutex
	f  *os.File
}

func openFile(name string, cfg Config, log logx.Logger) (Channel, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("path is required for file output")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileChannel{name: name, log: log, f: f}, nil
}

func (c *fileChannel) Name() string { return c.name }

func (c *fileChannel) Write(_ context.Context, r Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return errors.New("output file closed")
	}
	return json.NewEncoder(c.f).Encode(r)
}

func (c *fileChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// logChannel writes each result as a structured log line.
type logChannel struct {
	name string
	log  logx.Logger
}

func (c *logChannel) Name() string { return c.name }

func (c *logChannel) Write(_ context.Context, r Result) error {
	c.log.Info("module result",
		logx.String("module", r.Module),
		logx.String("mid", r.MID),
		logx.String("run_id", r.RunID),
		logx.Int("exit_code", r.ExitCode),
		logx.Int("bytes", len(r.Payload)),
		logx.String("payload", string(r.Payload)),
	)
	return nil
}

func (c *logChannel) Close() error { return nil }
