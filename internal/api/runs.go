package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/store"
)

const runQueryTimeout = 3 * time.Second

// pageBounds is the default and maximum page size of one listing.
type pageBounds struct {
	def, max int
}

var (
	runPages  = pageBounds{def: 50, max: 500}
	sinkPages = pageBounds{def: 100, max: 1000}
)

type page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// parse reads limit and offset; limits above the maximum are clamped.
func (b pageBounds) parse(q url.Values) (page, error) {
	p := page{Limit: b.def}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return page{}, fmt.Errorf("invalid limit %q", raw)
		}
		p.Limit = min(n, b.max)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page{}, fmt.Errorf("invalid offset %q", raw)
		}
		p.Offset = n
	}
	return p, nil
}

var statusAliases = map[string]store.RunStatus{
	"running": store.RunRunning,
	"success": store.RunSuccess,
	"error":   store.RunError,
	"failed":  store.RunError,
	"failure": store.RunError,
}

func parseStatus(raw string) (store.RunStatus, error) {
	status, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("invalid status %q", raw)
	}
	return status, nil
}

// runView is a run plus figures derived from its counters.
type runView struct {
	store.Run
	// Settled counts seeds that reached a terminal outcome.
	Settled         int64    `json:"settled"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

func newRunView(run store.Run) runView {
	v := runView{
		Run:     run,
		Settled: run.Seeds.Acked + run.Seeds.Committed + run.Seeds.Failed + run.Seeds.Dropped,
	}
	if run.FinishedAt != nil {
		secs := run.FinishedAt.Sub(run.StartedAt).Seconds()
		v.DurationSeconds = &secs
	}
	return v
}

type runList struct {
	page
	Runs []runView `json:"runs"`
}

type sinkTotals struct {
	Batches    int64 `json:"batches"`
	Rows       int64 `json:"rows"`
	RolledBack int64 `json:"rolled_back"`
}

type sinkList struct {
	page
	RunID  uuid.UUID         `json:"run_id"`
	Sinks  []store.SinkStats `json:"sinks"`
	Totals sinkTotals        `json:"totals"`
}

type runIDKey struct{}

// RunHandler serves run history from a store.RunRepository.
type RunHandler struct {
	runs    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler returns a handler over runs; a nil repository answers 503.
func NewRunHandler(runs store.RunRepository, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{runs: runs, timeout: runQueryTimeout, logger: logger}
}

// Routes mounts under /v1/runs:
//
//	GET /                   ?status=&limit=&offset=
//	GET /{run_id}
//	GET /{run_id}/sinks     ?limit=&offset=
func (h *RunHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireRepository)
	r.Get("/", h.list)
	r.Route("/{run_id}", func(r chi.Router) {
		r.Use(runIDFromPath)
		r.Get("/", h.get)
		r.Get("/sinks", h.sinks)
	})
	return r
}

func (h *RunHandler) requireRepository(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.runs == nil {
			writeError(w, http.StatusServiceUnavailable, "run history is not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func runIDFromPath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "run_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "run_id must be a UUID")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), runIDKey{}, id)))
	})
}

func (h *RunHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pg, err := runPages.parse(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var filter *store.RunStatus
	if raw := q.Get("status"); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = &status
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	runs, err := h.runs.ListRuns(ctx, filter, pg.Limit, pg.Offset)
	if err != nil {
		h.fail(w, "list runs", err)
		return
	}

	out := runList{page: pg, Runs: make([]runView, 0, len(runs))}
	for _, run := range runs {
		out.Runs = append(out.Runs, newRunView(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *RunHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	run, err := h.runs.GetRun(ctx, runIDOf(r))
	if err != nil {
		h.fail(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]runView{"run": newRunView(run)})
}

func (h *RunHandler) sinks(w http.ResponseWriter, r *http.Request) {
	pg, err := sinkPages.parse(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID := runIDOf(r)

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	stats, err := h.runs.ListRunSinks(ctx, runID, pg.Limit, pg.Offset)
	if err != nil {
		h.fail(w, "list run sinks", err)
		return
	}

	out := sinkList{page: pg, RunID: runID, Sinks: stats}
	if out.Sinks == nil {
		out.Sinks = []store.SinkStats{}
	}
	for _, s := range stats {
		out.Totals.Batches += s.Batches
		out.Totals.Rows += s.Rows
		out.Totals.RolledBack += s.RolledBack
	}
	writeJSON(w, http.StatusOK, out)
}

// fail maps repository errors: store.ErrNotFound is 404, anything else 500.
func (h *RunHandler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func runIDOf(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(runIDKey{}).(uuid.UUID)
	return id
}
