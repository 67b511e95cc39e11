package module

import (
	"encoding/json"
	"fmt"
	"time"
)

// static reports a fixed payload. It exists for smoke tests and for
// exercising the throttle with an artificial delay.
type static struct {
	plainBuffer

	payload []byte
	code    int
	delay   time.Duration
}

type staticConfig struct {
	Payload json.RawMessage `json:"payload"`
	// Code overrides the Collect return value when negative.
	Code  int    `json:"code"`
	Delay string `json:"delay"`
}

func newStatic(raw json.RawMessage) (Module, error) {
	var cfg staticConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	m := &static{payload: []byte(cfg.Payload), code: cfg.Code}
	if cfg.Delay != "" {
		d, err := time.ParseDuration(cfg.Delay)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid delay %q", cfg.Delay)
		}
		m.delay = d
	}
	return m, nil
}

func (m *static) Init() error { return nil }

func (m *static) Collect(out *[]byte) int {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.code < 0 {
		return m.code
	}
	if len(m.payload) == 0 {
		return CodeNoData
	}
	*out = append((*out)[:0], m.payload...)
	return len(*out)
}
