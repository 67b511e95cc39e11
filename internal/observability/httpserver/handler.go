package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hostwatch/internal/output"
	rtsup "hostwatch/internal/runtime/supervisor"
	"hostwatch/internal/task/pool"
	"hostwatch/internal/task/scheduler"
)

const pprofPrefix = "/debug/pprof/"

// Sources feeds the handlers. Nil fields disable the matching section.
type Sources struct {
	Scheduler interface {
		GetStatus(mids ...string) scheduler.Snapshot
	}
	Pool interface {
		Snapshot() pool.Snapshot
	}
	Outputs interface {
		Snapshot() []output.ChannelStats
	}
	// Runtime is the supervisor owning the agent's goroutines.
	Runtime interface {
		Snapshot() rtsup.Snapshot
	}
	Gatherer prometheus.Gatherer
	// Health reports a non-nil error when the agent is degraded.
	Health func() error
}

// StatusDoc is the body of GET /status.
type StatusDoc struct {
	Time      time.Time             `json:"time"`
	Scheduler *scheduler.Snapshot   `json:"scheduler,omitempty"`
	Pool      *pool.Snapshot        `json:"pool,omitempty"`
	Outputs   []output.ChannelStats `json:"outputs,omitempty"`
	Runtime   *rtsup.Snapshot       `json:"runtime,omitempty"`
}

// Handler builds the route table. Every route except /healthz requires token
// when it is set.
func Handler(src Sources, token string, withPprof bool) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if src.Health != nil {
			if err := src.Health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /status", wrap(func(w http.ResponseWriter, r *http.Request) {
		doc := StatusDoc{Time: time.Now()}
		if src.Scheduler != nil {
			snap := src.Scheduler.GetStatus(r.URL.Query()["mid"]...)
			doc.Scheduler = &snap
		}
		if src.Pool != nil {
			snap := src.Pool.Snapshot()
			doc.Pool = &snap
		}
		if src.Outputs != nil {
			doc.Outputs = src.Outputs.Snapshot()
		}
		if src.Runtime != nil {
			snap := src.Runtime.Snapshot()
			doc.Runtime = &snap
		}
		writeJSON(w, doc)
	}))

	if src.Gatherer != nil {
		mux.Handle("GET /metrics", wrap(promhttp.HandlerFor(src.Gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}

	if withPprof {
		base := strings.TrimSuffix(pprofPrefix, "/")
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
		mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	match := func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if match(got) {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && match(strings.TrimSpace(strings.TrimPrefix(ah, p))) {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
