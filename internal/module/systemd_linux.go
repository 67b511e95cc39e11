//go:build linux

package module

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// systemdUnits reports the state of units matching configured patterns.
// Payload is produced only when at least one unit matches.
type systemdUnits struct {
	plainBuffer

	patterns []string
	states   []string
	timeout  time.Duration
}

type systemdConfig struct {
	Units []string `json:"units"`
	// States filters by ActiveState, e.g. ["failed"]. Empty keeps all.
	States  []string `json:"states"`
	Timeout string   `json:"timeout"`
}

type unitState struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	LoadState   string `json:"load_state"`
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
}

func newSystemd(raw json.RawMessage) (Module, error) {
	var cfg systemdConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Units) == 0 {
		return nil, errors.New("systemd: units required")
	}
	m := &systemdUnits{patterns: cfg.Units, states: cfg.States, timeout: 5 * time.Second}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, errors.New("systemd: invalid timeout")
		}
		m.timeout = d
	}
	return m, nil
}

func (m *systemdUnits) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

func (m *systemdUnits) Collect(out *[]byte) int {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return CodeError
	}
	defer conn.Close()

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, m.patterns)
	if err != nil {
		return CodeError
	}
	res := make([]unitState, 0, len(units))
	for _, u := range units {
		if !m.wantState(u.ActiveState) {
			continue
		}
		res = append(res, unitState{
			Name:        u.Name,
			Description: u.Description,
			LoadState:   u.LoadState,
			ActiveState: u.ActiveState,
			SubState:    u.SubState,
		})
	}
	if len(res) == 0 {
		return CodeNoData
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return writeJSON(out, res)
}

func (m *systemdUnits) wantState(s string) bool {
	if len(m.states) == 0 {
		return true
	}
	for _, want := range m.states {
		if strings.EqualFold(want, s) {
			return true
		}
	}
	return false
}
