package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"dutybot/internal/source"
	"dutybot/internal/task/engine"
	"dutybot/internal/task/scheduler"
	"dutybot/internal/version"
	logx "dutybot/pkg/logx"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Flows   int    `json:"flows"`
}

// PublisherInfo describes one (cron, sink) pair.
type PublisherInfo struct {
	Sink string    `json:"sink"`
	Task string    `json:"task"`
	Cron string    `json:"cron"`
	Next time.Time `json:"next,omitempty"`
	Prev time.Time `json:"prev,omitempty"`
}

type FlowInfo struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	Path       string          `json:"path"`
	UploadURL  string          `json:"upload_url,omitempty"`
	Publishers []PublisherInfo `json:"publishers"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("encode response", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	n := 0
	if b := s.current(); b.Flows != nil {
		n = len(b.Flows.Flows())
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: version.Short(), Flows: n})
}

func (s *Server) listFlows(w http.ResponseWriter, _ *http.Request) {
	b := s.current()
	if b.Flows == nil {
		s.writeJSON(w, http.StatusOK, []FlowInfo{})
		return
	}

	sched := map[string]scheduler.ScheduleInfo{}
	if b.Scheduler != nil {
		for _, si := range b.Scheduler.Snapshot().Schedules {
			sched[si.Name] = si
		}
	}
	ingesters := b.Flows.Ingesters()

	out := make([]FlowInfo, 0, len(b.Flows.Flows()))
	for _, f := range b.Flows.Flows() {
		fi := FlowInfo{ID: f.ID, Source: f.SourceName, Path: f.Path, Publishers: []PublisherInfo{}}
		if _, ok := ingesters[f.ID]; ok {
			fi.UploadURL = s.UploadURL(f.ID)
		}
		for _, p := range f.Publishers {
			pi := PublisherInfo{Sink: p.Sink, Task: p.TaskName(f.ID), Cron: p.Cron}
			if si, ok := sched[pi.Task]; ok {
				pi.Next, pi.Prev = si.Next, si.Prev
			} else if next, err := scheduler.NextRuns(p.Cron, time.Now(), 1); err == nil && len(next) == 1 {
				pi.Next = next[0]
			}
			fi.Publishers = append(fi.Publishers, pi)
		}
		out = append(out, fi)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) flowSchedule(w http.ResponseWriter, r *http.Request) {
	b := s.current()
	if b.Flows == nil {
		s.writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	f, ok := b.Flows.Lookup(r.PathValue("flow"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	snap, ok := f.Source.(source.Snapshotter)
	if !ok {
		s.writeError(w, http.StatusNotFound, "source has no schedule")
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Snapshot())
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	b := s.current()
	if b.Scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	name := r.PathValue("flow") + "/" + r.PathValue("sink")
	if err := b.Scheduler.Trigger(name); err != nil {
		if errors.Is(err, scheduler.ErrUnknownSchedule) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if errors.Is(err, engine.ErrOverlapSkip) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.log.Info("publisher triggered", logx.String("task", name), logx.String("remote_addr", r.RemoteAddr))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task": name, "status": "queued"})
}

func (s *Server) tasks(w http.ResponseWriter, _ *http.Request) {
	b := s.current()
	if b.Tasks == nil {
		s.writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	s.writeJSON(w, http.StatusOK, b.Tasks.Snapshot())
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	b := s.current()
	if b.Audit == nil {
		s.writeError(w, http.StatusNotFound, "storage disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	entries, err := b.Audit.Recent(r.Context(), limit)
	if err != nil {
		s.log.Warn("audit query failed", logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}
