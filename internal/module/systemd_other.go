//go:build !linux

package module

import (
	"encoding/json"
	"errors"
)

var errSystemdUnsupported = errors.New("systemd: unsupported OS (linux only)")

type systemdUnits struct{ plainBuffer }

func newSystemd(json.RawMessage) (Module, error) { return &systemdUnits{}, nil }

func (*systemdUnits) Init() error         { return errSystemdUnsupported }
func (*systemdUnits) Collect(*[]byte) int { return CodeError }
