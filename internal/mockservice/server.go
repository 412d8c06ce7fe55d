// Package mockservice is a scriptable stand-in for the remote analysis
// service. It implements the async submit endpoint and plays a scripted
// sequence of Server-Sent Events on every stream connection.
package mockservice

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stockpilot/stockstream/internal/logging"
	"github.com/stockpilot/stockstream/internal/progress"
)

// DefaultVersion is reported by GET / unless overridden.
const DefaultVersion = "1.0.0"

// StepKind identifies what a Step does on the wire.
type StepKind int

const (
	// StepData writes one data event.
	StepData StepKind = iota
	// StepHeartbeat writes an SSE comment line.
	StepHeartbeat
	// StepSleep pauses the connection.
	StepSleep
	// StepClose ends the connection.
	StepClose
	// StepHang keeps the connection open until the client leaves.
	StepHang
	// StepReject refuses the connection with an HTTP status. Only valid as
	// the first step of a connection.
	StepReject
)

// Step is one scripted action on a stream connection.
type Step struct {
	Kind   StepKind
	Event  string
	Data   string
	Delay  time.Duration
	Status int
}

// Data writes payload verbatim as an SSE data event.
func Data(payload string) Step {
	return Step{Kind: StepData, Data: payload}
}

// JSON writes v encoded as JSON.
func JSON(v any) Step {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mockservice: cannot encode step: %v", err))
	}
	return Data(string(b))
}

// Heartbeat writes a keep-alive comment.
func Heartbeat() Step {
	return Step{Kind: StepHeartbeat}
}

// Sleep pauses for d.
func Sleep(d time.Duration) Step {
	return Step{Kind: StepSleep, Delay: d}
}

// Close ends the connection.
func Close() Step {
	return Step{Kind: StepClose}
}

// Hang holds the connection open.
func Hang() Step {
	return Step{Kind: StepHang}
}

// Reject refuses the connection with status.
func Reject(status int) Step {
	return Step{Kind: StepReject, Status: status}
}

// Script lists the steps played on each successive stream connection of a
// job. Connections past the end replay the last entry.
type Script [][]Step

func (s Script) connection(n int) []Step {
	if len(s) == 0 {
		return []Step{Close()}
	}
	if n >= len(s) {
		n = len(s) - 1
	}
	return s[n]
}

// SubmitFailure makes the submit endpoint fail.
type SubmitFailure struct {
	Status int
	Body   string
}

type mockJob struct {
	key         progress.SubjectKey
	connections int
}

// Server is the mock analysis service.
type Server struct {
	mu          sync.Mutex
	version     string
	script      Script
	failure     *SubmitFailure
	jobIDs      []string
	jobs        map[string]*mockJob
	submissions []progress.SubjectKey
	log         *logging.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported by GET /.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithScript sets the stream script used for every job.
func WithScript(script Script) Option {
	return func(s *Server) {
		s.script = script
	}
}

// WithSubmitFailure makes every submission fail with status and body.
func WithSubmitFailure(status int, body string) Option {
	return func(s *Server) {
		s.failure = &SubmitFailure{Status: status, Body: body}
	}
}

// WithJobIDs sets the ids handed out to successive submissions. Once they
// run out, random ids are used.
func WithJobIDs(ids ...string) Option {
	return func(s *Server) {
		s.jobIDs = append([]string(nil), ids...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// New creates a Server. Without a script it plays DefaultScript.
func New(opts ...Option) *Server {
	s := &Server{
		version: DefaultVersion,
		jobs:    make(map[string]*mockJob),
		log:     logging.With("component", "mockservice"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.script == nil {
		s.script = DefaultScript(300 * time.Millisecond)
	}
	return s
}

// Handler returns the HTTP handler serving the service's endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/analyze/async", s.handleSubmit)
	mux.HandleFunc("GET /api/analyze/stream/{jobID}", s.handleStream)
	return mux
}

// Submissions returns the subjects submitted so far, in order.
func (s *Server) Submissions() []progress.SubjectKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.SubjectKey(nil), s.submissions...)
}

// Connections returns how many stream connections a job has received.
func (s *Server) Connections(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return j.connections
	}
	return 0
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service":   "Stock Data & Analysis API (mock)",
		"status":    "running",
		"version":   s.version,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var key progress.SubjectKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid request body"})
		return
	}

	s.mu.Lock()
	s.submissions = append(s.submissions, key)
	failure := s.failure
	var jobID string
	if failure == nil {
		if len(s.jobIDs) > 0 {
			jobID, s.jobIDs = s.jobIDs[0], s.jobIDs[1:]
		} else {
			jobID = uuid.New().String()
		}
		s.jobs[jobID] = &mockJob{key: key}
	}
	s.mu.Unlock()

	if failure != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(failure.Status)
		fmt.Fprint(w, failure.Body)
		return
	}

	s.log.Info("job accepted", "job_id", jobID, "symbol", key.Symbol, "market", key.Market)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": jobID})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")

	s.mu.Lock()
	j, ok := s.jobs[jobID]
	var steps []Step
	if ok {
		steps = s.script.connection(j.connections)
		j.connections++
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Job not found"})
		return
	}
	if len(steps) > 0 && steps[0].Kind == StepReject {
		writeJSON(w, steps[0].Status, map[string]string{"detail": "stream unavailable"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, step := range steps {
		switch step.Kind {
		case StepData:
			if step.Event != "" {
				fmt.Fprintf(w, "event: %s\n", step.Event)
			}
			for _, line := range strings.Split(step.Data, "\n") {
				fmt.Fprintf(w, "data: %s\n", line)
			}
			fmt.Fprint(w, "\n")
			flusher.Flush()
		case StepHeartbeat:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case StepSleep:
			select {
			case <-r.Context().Done():
				return
			case <-time.After(step.Delay):
			}
		case StepHang:
			<-r.Context().Done()
			return
		case StepClose:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
