// Package module defines the collection contract run by the scheduler and the
// builtin collectors shipped with the agent.
package module

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Module is one collection unit.
//
// Collect fills *out and returns its length. A negative return reports a
// failed collection, zero means there was nothing to report. Buffers handed
// out by Collect are given back through FreeCollectBuffer once the caller has
// copied what it needs.
type Module interface {
	Init() error
	Collect(out *[]byte) int
	FreeCollectBuffer(buf []byte)
}

// Collect result codes shared by the builtins.
const (
	CodeNoData = 0
	CodeError  = -1
)

var ErrUnknownType = errors.New("unknown module type")

// writeJSON marshals v into *out and returns the payload length, or CodeError.
func writeJSON(out *[]byte, v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return CodeError
	}
	*out = b
	return len(b)
}

// decodeStrict decodes a module's raw config, rejecting unknown fields.
// An empty raw config leaves dst untouched.
func decodeStrict(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode module config: %w", err)
	}
	return nil
}

// plainBuffer is embedded by modules that allocate a fresh buffer per run
// and have nothing to release.
type plainBuffer struct{}

func (plainBuffer) FreeCollectBuffer([]byte) {}
