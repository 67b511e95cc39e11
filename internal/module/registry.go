package module

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds an uninitialized module from its raw config.
type Factory func(raw json.RawMessage) (Module, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a module type available to New. Registering a name twice
// replaces the earlier factory.
func Register(typ string, f Factory) {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ == "" || f == nil {
		panic("module: Register with empty type or nil factory")
	}
	regMu.Lock()
	factories[typ] = f
	regMu.Unlock()
}

// New builds a module of the given type. The module is not initialized.
func New(typ string, raw json.RawMessage) (Module, error) {
	key := strings.ToLower(strings.TrimSpace(typ))
	regMu.RLock()
	f := factories[key]
	regMu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	m, err := f(raw)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", key, err)
	}
	return m, nil
}

// Types lists registered module types, sorted.
func Types() []string {
	regMu.RLock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	regMu.RUnlock()
	sort.Strings(out)
	return out
}

func init() {
	Register("static", newStatic)
	Register("loadavg", newLoadAvg)
	Register("meminfo", newMemInfo)
	Register("systemd", newSystemd)
	Register("speedtest", newSpeedtest)
}
