package main

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"

	"macrosim.ai/internal/observability"
	"macrosim.ai/internal/persistence/indexdb"
	"macrosim.ai/internal/sim/kernel"
	"macrosim.ai/internal/transport/ws"
)

type api struct {
	runner  *kernel.Runner
	metrics *observability.KernelMetrics
	idx     *indexdb.SQLiteIndex // nil when indexing is disabled
	log     *slog.Logger
}

type statusResponse struct {
	RunID     string                      `json:"run_id"`
	Phases    []string                    `json:"phases"`
	Kernel    kernel.Metrics              `json:"kernel"`
	Totals    *observability.KernelTotals `json:"totals,omitempty"`
	Index     *indexdb.Stats              `json:"index,omitempty"`
	M2        string                      `json:"m2"`
	LastError string                      `json:"last_error,omitempty"`
}

func (a *api) routes(srv *ws.Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/v1/status", a.status)
	mux.HandleFunc("/v1/ledger", a.ledger)
	mux.HandleFunc("/v1/breaches", a.breaches)
	mux.HandleFunc("/v1/commands", srv.HTTPCommandHandler())
	mux.HandleFunc("/v1/ws/command", srv.CommandHandler())
	mux.HandleFunc("/v1/ws/live", srv.LiveHandler())
	return mux
}

func (a *api) status(rw http.ResponseWriter, r *http.Request) {
	sched := a.runner.Scheduler()
	m := a.runner.Metrics()
	resp := statusResponse{
		RunID:  sched.World().Config().RunID,
		Phases: sched.PhaseNames(),
		Kernel: m,
		M2:     humanize.Comma(m.CurrentM2),
	}
	if a.metrics != nil {
		t := a.metrics.Totals()
		resp.Totals = &t
	}
	if a.idx != nil {
		st := a.idx.Stats()
		resp.Index = &st
	}
	if err := sched.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	writeJSON(rw, http.StatusOK, resp)
}

// ledger serves /v1/ledger?from=N&to=M from the index; to=0 means open-ended.
func (a *api) ledger(rw http.ResponseWriter, r *http.Request) {
	if a.idx == nil {
		http.Error(rw, "index disabled", http.StatusNotFound)
		return
	}
	from, err := queryUint(r, "from")
	if err != nil {
		http.Error(rw, "bad from: "+err.Error(), http.StatusBadRequest)
		return
	}
	to, err := queryUint(r, "to")
	if err != nil {
		http.Error(rw, "bad to: "+err.Error(), http.StatusBadRequest)
		return
	}
	if to == 0 {
		to = math.MaxInt64
	}
	if err := a.idx.Sync(r.Context()); err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	entries, err := a.idx.LedgerEntries(r.Context(), from, to)
	if err != nil {
		a.log.Warn("ledger query failed", "from", from, "to", to, "err", err)
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, entries)
}

func (a *api) breaches(rw http.ResponseWriter, r *http.Request) {
	if a.idx == nil {
		http.Error(rw, "index disabled", http.StatusNotFound)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		http.Error(rw, "bad limit: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.idx.Sync(r.Context()); err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	rows, err := a.idx.Breaches(r.Context(), int(limit))
	if err != nil {
		a.log.Warn("breach query failed", "err", err)
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, rows)
}

func queryUint(r *http.Request, key string) (uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}
