// Package fakeremote is an in-memory job-execution service that speaks the
// same HTTP/JSON API as the real one. Tests run it behind httptest and
// drive executions forward by hand (AppendLog, Finish) or from an output
// hook.
package fakeremote

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/3leaps/rexmon/pkg/remote"
)

// Route names used by InjectFault and Requests.
const (
	RouteRun       = "run"
	RouteExecution = "execution"
	RouteOutput    = "output"
	RouteAbort     = "abort"
	RouteJobs      = "jobs"
	RouteJobInfo   = "info"
)

// Execution is a snapshot of one fake execution.
type Execution struct {
	ID          string
	JobID       string
	State       string
	Options     map[string]string
	Filter      string
	Lines       []string
	LogComplete bool
	AbortCalls  int
}

// OutputHook runs before the n-th (1-based) output request for an execution
// is answered. The server lock is not held, so the hook may call AppendLog
// or Finish.
type OutputHook func(s *Server, executionID string, n int)

// Server is the fake service.
type Server struct {
	mu         sync.Mutex
	token      string
	apiVersion int
	jobs       []remote.JobRecord
	execs      map[string]*Execution
	outputs    map[string]int
	requests   map[string]int
	faults     map[string][]int
	abortState map[string]string
	outputHook OutputHook
	router     chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithAPIVersion sets the version path segment. Default: 41
func WithAPIVersion(v int) Option {
	return func(s *Server) { s.apiVersion = v }
}

// WithOutputHook installs an output hook.
func WithOutputHook(h OutputHook) Option {
	return func(s *Server) { s.outputHook = h }
}

// New creates a fake service.
func New(opts ...Option) *Server {
	s := &Server{
		apiVersion: 41,
		execs:      make(map[string]*Execution),
		outputs:    make(map[string]int),
		requests:   make(map[string]int),
		faults:     make(map[string][]int),
		abortState: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "api.error.resource.doesnotexist", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "api.error.method.notallowed", "method not allowed")
	})

	r.Route("/api/"+strconv.Itoa(s.apiVersion), func(r chi.Router) {
		r.Use(s.authenticate)
		r.With(s.route(RouteRun)).Post("/job/{id}/run", s.handleRun)
		r.With(s.route(RouteJobInfo)).Get("/job/{id}/info", s.handleJobInfo)
		r.With(s.route(RouteExecution)).Get("/execution/{id}", s.handleExecution)
		r.With(s.route(RouteOutput)).Get("/execution/{id}/output", s.handleOutput)
		r.With(s.route(RouteAbort)).Post("/execution/{id}/abort", s.handleAbort)
		r.With(s.route(RouteJobs)).Get("/project/{project}/jobs", s.handleJobs)
	})
	return r
}

// AddJob registers a job. An empty ID is replaced with a UUID.
func (s *Server) AddJob(rec remote.JobRecord) remote.JobRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, rec)
	return rec
}

// AppendLog appends lines to an execution's log.
func (s *Server) AppendLog(executionID string, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.execs[executionID]; ok {
		e.Lines = append(e.Lines, lines...)
	}
}

// Finish moves an execution to a final state and closes its log.
func (s *Server) Finish(executionID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.execs[executionID]; ok {
		e.State = state
		e.LogComplete = true
	}
}

// SetState sets the raw execution state without closing the log.
func (s *Server) SetState(executionID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.execs[executionID]; ok {
		e.State = state
	}
}

// SetAbortResponse makes abort requests for the execution answer with the
// given abort status ("aborted", "pending" or "failed"). Only "aborted"
// changes the execution state. Default: "aborted"
func (s *Server) SetAbortResponse(executionID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortState[executionID] = status
}

// InjectFault makes the next len(codes) requests to route fail with the
// given status codes, in order.
func (s *Server) InjectFault(route string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = append(s.faults[route], codes...)
}

// Requests returns how many requests reached route, faults included.
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

// Execution returns a snapshot of an execution.
func (s *Server) Execution(id string) (Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return Execution{}, false
	}
	snap := *e
	snap.Lines = append([]string(nil), e.Lines...)
	return snap, true
}

// Executions returns the ids of all executions started so far.
func (s *Server) Executions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.execs))
	for id := range s.execs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "api.error.item.unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// route counts requests and replays injected faults.
func (s *Server) route(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			s.requests[name]++
			code := 0
			if queue := s.faults[name]; len(queue) > 0 {
				code, s.faults[name] = queue[0], queue[1:]
			}
			s.mu.Unlock()

			if code != 0 {
				writeError(w, code, "api.error.injected", http.StatusText(code))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var req struct {
		Options map[string]string `json:"options"`
		Filter  string            `json:"filter"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "api.error.invalid.request", err.Error())
			return
		}
	}

	s.mu.Lock()
	if s.findJobLocked(jobID) == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "api.error.item.doesnotexist", "job not found: "+jobID)
		return
	}
	e := &Execution{
		ID:      uuid.NewString(),
		JobID:   jobID,
		State:   "running",
		Options: req.Options,
		Filter:  req.Filter,
	}
	s.execs[e.ID] = e
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, executionBody(e))
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	e, ok := s.execs[chi.URLParam(r, "id")]
	var body map[string]any
	if ok {
		body = executionBody(e)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "api.error.item.doesnotexist", "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	_, ok := s.execs[id]
	s.outputs[id]++
	n := s.outputs[id]
	hook := s.outputHook
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "api.error.item.doesnotexist", "execution not found")
		return
	}
	if hook != nil {
		hook(s, id, n)
	}

	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "api.error.invalid.request", "invalid offset")
		return
	}
	maxLines := -1
	if v := r.URL.Query().Get("maxlines"); v != "" {
		if maxLines, err = strconv.Atoi(v); err != nil || maxLines < 0 {
			writeError(w, http.StatusBadRequest, "api.error.invalid.request", "invalid maxlines")
			return
		}
	}

	s.mu.Lock()
	e := s.execs[id]
	total := len(e.Lines)
	start := min(offset, total)
	end := total
	if maxLines >= 0 {
		end = min(start+maxLines, total)
	}
	now := time.Now().UTC()
	entries := make([]map[string]string, 0, end-start)
	for _, line := range e.Lines[start:end] {
		entries = append(entries, map[string]string{
			"time":          now.Format("15:04:05"),
			"absolute_time": now.Format(time.RFC3339Nano),
			"level":         "NORMAL",
			"log":           line,
		})
	}
	execDone := isFinal(e.State)
	body := map[string]any{
		"id":            e.ID,
		"offset":        strconv.Itoa(end),
		"completed":     e.LogComplete && end == total,
		"execCompleted": execDone,
		"execState":     e.State,
		"lastModified":  strconv.FormatInt(now.UnixMilli(), 10),
		"entries":       entries,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	e, ok := s.execs[chi.URLParam(r, "id")]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "api.error.item.doesnotexist", "execution not found")
		return
	}
	e.AbortCalls++

	status, reason := s.abortState[e.ID], ""
	if status == "" {
		status = "aborted"
	}
	switch {
	case isFinal(e.State):
		status, reason = "failed", "execution already completed"
	case status == "aborted":
		e.State = "aborted"
		e.LogComplete = true
	case status == "failed":
		reason = "abort refused"
	}
	body := map[string]any{
		"abort":     map[string]string{"status": status, "reason": reason},
		"execution": executionBody(e),
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	group := r.URL.Query().Get("groupPathExact")
	if group == "-" {
		group = ""
	}
	name := r.URL.Query().Get("jobExactFilter")

	s.mu.Lock()
	out := make([]map[string]string, 0)
	for _, j := range s.jobs {
		if j.Project != project || j.Group != group || (name != "" && j.Name != name) {
			continue
		}
		out = append(out, jobBody(j))
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	j := s.findJobLocked(chi.URLParam(r, "id"))
	var body map[string]string
	if j != nil {
		body = jobBody(*j)
	}
	s.mu.Unlock()

	if j == nil {
		writeError(w, http.StatusNotFound, "api.error.item.doesnotexist", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) findJobLocked(id string) *remote.JobRecord {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return &s.jobs[i]
		}
	}
	return nil
}

func executionBody(e *Execution) map[string]any {
	return map[string]any{
		"id":        e.ID,
		"href":      "/api/execution/" + e.ID,
		"permalink": "/execution/show/" + e.ID,
		"status":    e.State,
		"job":       map[string]string{"id": e.JobID},
	}
}

func jobBody(j remote.JobRecord) map[string]string {
	return map[string]string{
		"id":          j.ID,
		"name":        j.Name,
		"group":       j.Group,
		"project":     j.Project,
		"description": j.Description,
	}
}

func isFinal(state string) bool {
	switch strings.ToLower(state) {
	case "succeeded", "failed", "aborted", "timedout", "failed-with-retry":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errorCode, message string) {
	writeJSON(w, code, map[string]any{
		"error":      true,
		"apiversion": 41,
		"errorCode":  errorCode,
		"message":    message,
	})
}
