// Package admin exposes the operator control plane over HTTP: run
// inspection, force transitions, recovery and flush triggers, DLQ
// management, health and Prometheus metrics. The surface is unauthenticated
// by design and must only be bound to an internal interface.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/agentd/backpressure"
	"github.com/loomworks/agentd/broker"
	"github.com/loomworks/agentd/dlq"
	"github.com/loomworks/agentd/dispatch"
	"github.com/loomworks/agentd/flusher"
	"github.com/loomworks/agentd/ownership"
	"github.com/loomworks/agentd/recovery"
	"github.com/loomworks/agentd/run"
	"github.com/loomworks/agentd/store"
	"github.com/loomworks/agentd/telemetry"
	"github.com/loomworks/agentd/wal"
)

type (
	// Options wires the handlers to the worker internals.
	Options struct {
		// Broker and Store are required.
		Broker broker.Broker
		Store  store.Store
		// Ownership is required.
		Ownership *ownership.Manager
		// WAL, DLQ, Flusher, Sweeper, Dispatcher and Load are optional;
		// endpoints needing an absent component return 503.
		WAL        *wal.Log
		DLQ        *dlq.Queue
		Flusher    *flusher.Flusher
		Sweeper    *recovery.Sweeper
		Dispatcher *dispatch.Dispatcher
		Load       *backpressure.Controller
		// Metrics backs the /metrics endpoint. Optional.
		Metrics *telemetry.WorkerMetrics
		// StuckThreshold is the default list_stuck age. Defaults to 2h.
		StuckThreshold time.Duration
		// Logger is optional.
		Logger telemetry.Logger
	}

	// Server holds the handler state.
	Server struct {
		opts Options
	}

	// RunInfo aggregates everything known about one run.
	RunInfo struct {
		Run          run.Run   `json:"run"`
		Owner        string    `json:"owner,omitempty"`
		BrokerStatus string    `json:"broker_status,omitempty"`
		Heartbeat    time.Time `json:"last_heartbeat,omitempty"`
		HeartbeatAge string    `json:"heartbeat_age,omitempty"`
		StartedAt    time.Time `json:"started_at,omitempty"`
		PendingWAL   int       `json:"pending_wal"`
		OwnedHere    bool      `json:"owned_here"`
	}
)

// New constructs the admin server.
func New(opts Options) (*Server, error) {
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Ownership == nil {
		return nil, errors.New("ownership manager is required")
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = 2 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Server{opts: opts}, nil
}

// Mux returns the admin HTTP mux.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /runs/stuck", s.listStuck)
	mux.HandleFunc("GET /runs/{id}", s.getRunInfo)
	mux.HandleFunc("POST /runs/{id}/force_resume", s.forceResume)
	mux.HandleFunc("POST /runs/{id}/force_complete", s.forceComplete)
	mux.HandleFunc("POST /runs/{id}/force_fail", s.forceFail)
	mux.HandleFunc("GET /dashboard", s.dashboard)
	mux.HandleFunc("POST /sweep", s.sweep)
	mux.HandleFunc("POST /flush_all", s.flushAll)
	mux.HandleFunc("GET /dlq", s.listDLQ)
	mux.HandleFunc("POST /dlq/{id}/retry", s.retryDLQ)
	mux.HandleFunc("POST /dlq/purge", s.purgeDLQ)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if err := s.opts.Broker.Ping(ctx); err != nil {
		status["status"] = "degraded"
		status["broker"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// listStuck returns non-terminal runs older than min_age seconds.
func (s *Server) listStuck(w http.ResponseWriter, r *http.Request) {
	minAge := int64(s.opts.StuckThreshold.Seconds())
	if v := r.URL.Query().Get("min_age"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid min_age: %w", err))
			return
		}
		minAge = n
	}
	runs, err := s.opts.Store.ListRunsOlderThan(r.Context(), minAge)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(runs), "runs": runs})
}

func (s *Server) getRunInfo(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	ctx := r.Context()

	info := RunInfo{OwnedHere: s.opts.Ownership.Owns(runID)}
	row, err := s.opts.Store.GetRun(ctx, runID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// The broker may still know a run the flusher has not persisted.
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	default:
		info.Run = row
	}

	if owner, err := s.opts.Broker.Get(ctx, broker.RunOwnerKey(runID)); err == nil {
		info.Owner = owner
	}
	if status, err := s.opts.Broker.Get(ctx, broker.RunStatusKey(runID)); err == nil {
		info.BrokerStatus = status
	}
	if hb, err := s.opts.Broker.Get(ctx, broker.RunHeartbeatKey(runID)); err == nil {
		if ts, perr := strconv.ParseInt(hb, 10, 64); perr == nil {
			info.Heartbeat = time.Unix(ts, 0).UTC()
			info.HeartbeatAge = time.Since(info.Heartbeat).Truncate(time.Second).String()
		}
	}
	if st, err := s.opts.Broker.Get(ctx, broker.RunStartKey(runID)); err == nil {
		if ts, perr := strconv.ParseInt(st, 10, 64); perr == nil {
			info.StartedAt = time.Unix(ts, 0).UTC()
		}
	}
	if s.opts.WAL != nil {
		info.PendingWAL = s.opts.WAL.PendingCount(ctx, runID)
	}
	if info.Run.RunID == "" && info.Owner == "" && info.BrokerStatus == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// forceResume marks a run resumable and strips its ownership so the next
// sweep reclaims it.
func (s *Server) forceResume(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	ctx := r.Context()
	if s.opts.Dispatcher != nil {
		s.opts.Dispatcher.Cancel(runID)
	}
	if err := s.opts.Broker.Set(ctx, broker.RunStatusKey(runID), string(run.StatusResumable), time.Hour); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.opts.Broker.Del(ctx, broker.RunOwnerKey(runID), broker.RunHeartbeatKey(runID)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.opts.Logger.Info(ctx, "run force-resumed", "run_id", runID)
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(run.StatusResumable)})
}

func (s *Server) forceComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.forceTerminal(w, r, run.StatusCompleted, body.Reason)
}

func (s *Server) forceFail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Error == "" {
		body.Error = "force-failed by operator"
	}
	s.forceTerminal(w, r, run.StatusFailed, body.Error)
}

func (s *Server) forceTerminal(w http.ResponseWriter, r *http.Request, status run.Status, detail string) {
	runID := r.PathValue("id")
	ctx := r.Context()
	if s.opts.Dispatcher != nil {
		s.opts.Dispatcher.Cancel(runID)
	}
	if err := s.opts.Broker.Set(ctx, broker.RunStatusKey(runID), string(status), time.Hour); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.opts.Broker.Del(ctx, broker.RunOwnerKey(runID)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.opts.Broker.SRem(ctx, broker.ActiveRunsKey, runID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	var errText string
	if status == run.StatusFailed {
		errText = detail
	}
	if err := s.opts.Store.UpdateRunStatus(ctx, runID, status, errText); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.opts.Logger.Warn(ctx, "run force-transitioned", "run_id", runID, "status", string(status), "detail", detail)
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(status)})
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{
		"worker_owned_runs": s.opts.Ownership.Owned(),
	}
	if s.opts.Load != nil {
		out["load_level"] = s.opts.Load.Level().String()
		out["load_inputs"] = s.opts.Load.Inputs()
		out["load_actions"] = s.opts.Load.Actions()
	}
	if active, err := s.opts.Broker.SMembers(ctx, broker.ActiveRunsKey); err == nil {
		out["fleet_active_runs"] = len(active)
	}
	if s.opts.WAL != nil {
		out["local_wal_depth"] = s.opts.WAL.LocalDepth()
	}
	if s.opts.DLQ != nil {
		out["dlq_depth"] = s.opts.DLQ.Depth(ctx)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sweeper not running"))
		return
	}
	n, err := s.opts.Sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}

func (s *Server) flushAll(w http.ResponseWriter, r *http.Request) {
	if s.opts.Flusher == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("flusher not running"))
		return
	}
	s.opts.Flusher.FlushAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	if s.opts.DLQ == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("dlq not configured"))
		return
	}
	count := 0
	if v := r.URL.Query().Get("count"); v != "" {
		count, _ = strconv.Atoi(v)
	}
	entries, err := s.opts.DLQ.GetEntries(r.Context(), count, r.URL.Query().Get("run_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

func (s *Server) retryDLQ(w http.ResponseWriter, r *http.Request) {
	if s.opts.DLQ == nil || s.opts.WAL == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("dlq not configured"))
		return
	}
	runID, err := s.opts.DLQ.RetryEntry(r.Context(), s.opts.WAL, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, dlq.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.opts.Flusher != nil {
		if _, ferr := s.opts.Flusher.FlushRun(r.Context(), runID); ferr != nil {
			s.opts.Logger.Warn(r.Context(), "flush after dlq retry failed", "run_id", runID, "error", ferr)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}

func (s *Server) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	if s.opts.DLQ == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("dlq not configured"))
		return
	}
	var cutoff time.Time
	if v := r.URL.Query().Get("older_than_hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid older_than_hours: %w", err))
			return
		}
		cutoff = time.Now().Add(-time.Duration(hours) * time.Hour)
	}
	n, err := s.opts.DLQ.Purge(r.Context(), cutoff)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
