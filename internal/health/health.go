// Package health serves liveness, readiness and run status over HTTP.
//
//   - /healthz: liveness, always 200.
//   - /readyz: 200 once the embedding backend of the current run is loaded
//     and the run has not failed; 503 otherwise.
//   - /status: the latest progress of the current run.
//
// A [Probe] is fed from the run's event stream; handlers only read it.
package health

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/MrWong99/contentid/internal/pipeline"
)

// Status is the body of /status.
type Status struct {
	RunID        string         `json:"run_id,omitempty"`
	Stage        pipeline.Stage `json:"stage,omitempty"`
	Percent      int            `json:"percent"`
	Message      string         `json:"message,omitempty"`
	ClusterCount int            `json:"cluster_count,omitempty"`
	Error        string         `json:"error,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type reply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Probe tracks one run. The zero value is not ready. It is safe for
// concurrent use.
type Probe struct {
	mu   sync.RWMutex
	cur  Status
	now  func() time.Time
	seen bool
}

// NewProbe returns an empty Probe.
func NewProbe() *Probe {
	return &Probe{now: time.Now}
}

// Observe records p as the latest progress.
func (p *Probe) Observe(pr pipeline.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = true
	p.cur = Status{
		Error:        p.cur.Error,
		RunID:        pr.RunID,
		Stage:        pr.Stage,
		Percent:      pr.Percent,
		Message:      pr.Message,
		ClusterCount: pr.ClusterCount,
		UpdatedAt:    p.clock(),
	}
}

// Fail marks the run as failed. Readiness never recovers.
func (p *Probe) Fail(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur.Error = err.Error()
	p.cur.UpdatedAt = p.clock()
}

// Snapshot returns the latest status.
func (p *Probe) Snapshot() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// Ready reports whether the run is past model loading and healthy, and
// otherwise why not.
func (p *Probe) Ready() (bool, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case p.cur.Error != "":
		return false, "run failed: " + p.cur.Error
	case !p.seen:
		return false, "no run started"
	case p.cur.Stage == pipeline.StageModelLoading:
		return false, "loading embedding backend"
	}
	return true, ""
}

func (p *Probe) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

// Healthz is the liveness probe.
func (p *Probe) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, reply{Status: "ok"})
}

// Readyz is the readiness probe.
func (p *Probe) Readyz(w http.ResponseWriter, _ *http.Request) {
	if ok, reason := p.Ready(); !ok {
		writeJSON(w, http.StatusServiceUnavailable, reply{Status: "fail", Reason: reason})
		return
	}
	writeJSON(w, http.StatusOK, reply{Status: "ok"})
}

// StatusHandler serves the latest [Status].
func (p *Probe) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.Snapshot())
}

// Register adds the probe routes to mux.
func (p *Probe) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", p.Healthz)
	mux.HandleFunc("GET /readyz", p.Readyz)
	mux.HandleFunc("GET /status", p.StatusHandler)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
