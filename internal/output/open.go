package output

import (
	"fmt"
	"strings"

	logx "hostwatch/pkg/logx"
)

// Open initializes the configured channel.
func Open(cfg Config, log logx.Logger) (Channel, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("output name is required")
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	switch driver {
	case "file", "jsonl":
		return openFile(name, cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(name, cfg, log)
	case "log", "":
		return &logChannel{name: name, log: log.With(logx.String("output", name))}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func normalizeDriver(d string) string {
	switch d = strings.ToLower(strings.TrimSpace(d)); d {
	case "jsonl":
		return "file"
	case "sqlite3":
		return "sqlite"
	case "":
		return "log"
	}
	return d
}

// KnownDriver reports whether Open accepts d.
func KnownDriver(d string) bool {
	switch normalizeDriver(d) {
	case "file", "sqlite", "log":
		return true
	}
	return false
}
