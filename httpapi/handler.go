// Package httpapi exposes a jobhub server over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/jobhub"
	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Options configures the HTTP surface.
type Options struct {
	// Logger receives one line per request. Defaults to jobhub.NopLogger.
	Logger jobhub.Logger
	// SubmitRate limits job submissions per client and second; 0 disables limiting.
	SubmitRate float64
	// SubmitBurst is the submission burst per client.
	SubmitBurst int
}

// Handler serves the job API of one jobhub server.
type Handler struct {
	srv     *jobhub.Server
	log     jobhub.Logger
	limiter *Limiter
}

// New creates the API handler for srv.
func New(srv *jobhub.Server, opts Options) *Handler {
	h := &Handler{srv: srv, log: opts.Logger}
	if h.log == nil {
		h.log = jobhub.NopLogger{}
	}
	if opts.SubmitRate > 0 {
		h.limiter = NewLimiter(opts.SubmitRate, opts.SubmitBurst, 0)
	}
	return h
}

// Router returns a router with every route registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests)
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes adds the API routes to r. Fixed paths are registered
// before /jobs/{id} so they are not captured as ids.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	var submit http.Handler = http.HandlerFunc(h.Submit)
	if h.limiter != nil {
		submit = h.limiter.Middleware(ClientKey)(submit)
	}
	r.Handle("/jobs", submit).Methods(http.MethodPost)
	r.HandleFunc("/jobs", h.List).Methods(http.MethodGet)

	r.HandleFunc("/jobs/system/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/jobs/system/pause", h.Pause).Methods(http.MethodPost)
	r.HandleFunc("/jobs/system/resume", h.Resume).Methods(http.MethodPost)
	r.HandleFunc("/jobs/system/alerts", h.Alerts).Methods(http.MethodGet)
	r.HandleFunc("/jobs/system/alerts/{id}/acknowledge", h.AcknowledgeAlert).Methods(http.MethodPost)
	r.HandleFunc("/jobs/workers", h.Workers).Methods(http.MethodGet)
	r.HandleFunc("/jobs/workers", h.WorkerAction).Methods(http.MethodPost)

	r.HandleFunc("/jobs/{id}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.Delete).Methods(http.MethodDelete)
	r.HandleFunc("/jobs/{id}/cancel", h.Cancel).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/retry", h.Retry).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.HandlerFor(h.srv.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Priority   jobhub.Priority `json:"priority,omitempty"`
	MaxRetries *int            `json:"maxRetries,omitempty"`
	// Timeout is in milliseconds.
	Timeout int64  `json:"timeout,omitempty"`
	User    string `json:"user,omitempty"`
}

// SubmitResponse is the body returned by POST /jobs and POST /jobs/{id}/retry.
type SubmitResponse struct {
	JobID string `json:"jobId"`
}

// WorkerRequest is the body of POST /jobs/workers.
type WorkerRequest struct {
	// Action is one of start, restart, health or scale.
	Action string `json:"action"`
	// Count is the target pool size for start and scale.
	Count *int `json:"count,omitempty"`
}

// WorkerResponse is the body returned by the worker routes.
type WorkerResponse struct {
	Replaced int                 `json:"replaced,omitempty"`
	Workers  []jobhub.WorkerInfo `json:"workers"`
}

// PauseResponse is the body returned by pause and resume.
type PauseResponse struct {
	Paused bool `json:"paused"`
}

// DeleteResponse is the body returned by DELETE /jobs/{id}.
type DeleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	opts := []jobhub.Option{jobhub.WithPriority(req.Priority), jobhub.WithUser(req.User)}
	if req.ID != "" {
		opts = append(opts, jobhub.WithJobID(req.ID))
	}
	if req.MaxRetries != nil {
		opts = append(opts, jobhub.WithMaxRetries(*req.MaxRetries))
	}
	if req.Timeout != 0 {
		opts = append(opts, jobhub.WithTimeout(time.Duration(req.Timeout)*time.Millisecond))
	}
	id, err := h.srv.Submit(r.Context(), req.Type, req.Data, opts...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{JobID: id})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	j, err := h.srv.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.srv.Cancel(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	j, err := h.srv.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := h.srv.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{JobID: id})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.srv.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{ID: id, Deleted: true})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q, err := ParseQuery(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.srv.List(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.srv.Health(r.Context()))
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.srv.Pause()
	writeJSON(w, http.StatusOK, PauseResponse{Paused: h.srv.Paused()})
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.srv.Resume()
	writeJSON(w, http.StatusOK, PauseResponse{Paused: h.srv.Paused()})
}

func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.srv.Alerts())
}

func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.srv.AcknowledgeAlert(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) Workers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, WorkerResponse{Workers: h.srv.Workers()})
}

func (h *Handler) WorkerAction(w http.ResponseWriter, r *http.Request) {
	var req WorkerRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	var resp WorkerResponse
	switch req.Action {
	case "start":
		n := h.srv.Config().Workers
		if req.Count != nil {
			n = *req.Count
		}
		if err := h.srv.ScaleWorkers(n); err != nil {
			h.fail(w, r, err)
			return
		}
	case "scale":
		if req.Count == nil {
			h.fail(w, r, fmt.Errorf("%w: count is required for scale", jobhub.ErrValidation))
			return
		}
		if err := h.srv.ScaleWorkers(*req.Count); err != nil {
			h.fail(w, r, err)
			return
		}
	case "restart":
		resp.Replaced = h.srv.RestartWorkers()
	case "health":
	default:
		h.fail(w, r, fmt.Errorf("%w: unknown worker action %q", jobhub.ErrValidation, req.Action))
		return
	}
	resp.Workers = h.srv.Workers()
	writeJSON(w, http.StatusOK, resp)
}

// Healthz reports liveness of the process.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !h.srv.Running() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"running": h.srv.Running(), "paused": h.srv.Paused()})
}

// ParseQuery reads a listing query from URL parameters. status and type
// accept comma-separated lists and may be repeated.
func ParseQuery(v map[string][]string) (jobhub.Query, error) {
	var q jobhub.Query
	for _, s := range splitList(v["status"]) {
		st, err := jobhub.ParseStatus(s)
		if err != nil {
			return q, fmt.Errorf("%w: %w: %q", jobhub.ErrValidation, err, s)
		}
		q.Statuses = append(q.Statuses, st)
	}
	q.Types = splitList(v["type"])
	q.User = first(v["user"])
	q.Partition = jobhub.Partition(first(v["partition"]))
	q.Sort = jobhub.SortField(first(v["sort"]))
	switch strings.ToLower(first(v["order"])) {
	case "", "asc":
	case "desc":
		q.Desc = true
	default:
		return q, fmt.Errorf("%w: order must be asc or desc", jobhub.ErrValidation)
	}
	var err error
	if q.Page, err = intParam(v, "page"); err != nil {
		return q, err
	}
	if q.Limit, err = intParam(v, "limit"); err != nil {
		return q, err
	}
	return q, nil
}

func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func intParam(v map[string][]string, name string) (int, error) {
	s := first(v[name])
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", jobhub.ErrValidation, name)
	}
	return n, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", jobhub.ErrValidation, err)
	}
	if len(body) > maxBodyBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", jobhub.ErrValidation, maxBodyBytes)
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", jobhub.ErrValidation, err)
	}
	return nil
}

// StatusCode maps an API error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, jobhub.ErrValidation), errors.Is(err, jobhub.ErrUnknownJobType):
		return http.StatusBadRequest
	case errors.Is(err, jobhub.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobhub.ErrInvalidState), errors.Is(err, jobhub.ErrRetryLimitExceeded),
		errors.Is(err, jobhub.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, jobhub.ErrQueueFull):
		// backpressure, not a server fault: clients may resubmit later
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		h.log.Errorf("request failed: method=%s path=%s err=%v", r.Method, r.URL.Path, err)
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Debugf("http: method=%s path=%s status=%d dur=%s", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}
