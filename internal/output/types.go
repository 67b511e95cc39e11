package output

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrUnknownDriver = errors.New("unknown output driver")
	ErrClosed        = errors.New("output manager closed")
	ErrNoChannel     = errors.New("no output channel for result")
)

// ChannelManager receives collected results from the scheduler. SendResult
// must not block the calling run.
type ChannelManager interface {
	SendResult(module string, ts time.Time, exitCode int, payload []byte, outputs []string, reportStatus bool, mid string) error
}

// Channel is one destination for results.
type Channel interface {
	Name() string
	Write(ctx context.Context, r Result) error
	Close() error
}

// Config configures a single channel.
//
// Driver values:
//   - "file": append-only JSON Lines file
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "log": structured log line per result
type Config struct {
	Name        string
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Buffer bounds the in-memory queue in front of the channel. When it
	// overflows the oldest pending result is dropped.
	Buffer int
	// Status channels additionally receive every result flagged reportStatus.
	Status bool
}

// Result is one forwarded collection.
type Result struct {
	RunID        string
	Module       string
	MID          string
	Timestamp    time.Time
	ExitCode     int
	Payload      []byte
	Outputs      []string
	ReportStatus bool
}

type record struct {
	RunID        string          `json:"run_id"`
	Module       string          `json:"module"`
	MID          string          `json:"mid"`
	Timestamp    time.Time       `json:"ts"`
	ExitCode     int             `json:"exit_code"`
	ReportStatus bool            `json:"report_status,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Raw          string          `json:"raw,omitempty"`
}

// MarshalJSON keeps JSON payloads structured and falls back to a string for
// anything else.
func (r Result) MarshalJSON() ([]byte, error) {
	rec := record{
		RunID:        r.RunID,
		Module:       r.Module,
		MID:          r.MID,
		Timestamp:    r.Timestamp,
		ExitCode:     r.ExitCode,
		ReportStatus: r.ReportStatus,
	}
	if json.Valid(r.Payload) {
		rec.Payload = r.Payload
	} else {
		rec.Raw = string(r.Payload)
	}
	return json.Marshal(rec)
}

// ChannelStats is per-channel delivery accounting.
type ChannelStats struct {
	Name      string `json:"name"`
	Driver    string `json:"driver"`
	Queued    int    `json:"queued"`
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Discarded uint64 `json:"discarded"`
}
