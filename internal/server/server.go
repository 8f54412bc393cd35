// Package server is the HTTP surface: the roster upload form and a small
// read-only JSON API.
package server

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"dutybot/internal/eventbus"
	"dutybot/internal/flow"
	"dutybot/internal/metrics"
	"dutybot/internal/storage"
	"dutybot/internal/task/engine"
	"dutybot/internal/task/scheduler"
	logx "dutybot/pkg/logx"
)

// DefaultMaxUploadBytes is the upload cap when none is configured.
const DefaultMaxUploadBytes int64 = 5 << 20

//go:embed templates/upload.html
var templatesFS embed.FS

var uploadTmpl = template.Must(template.ParseFS(templatesFS, "templates/upload.html"))

type Options struct {
	Address  string
	Port     int
	TLS      bool
	CertFile string
	KeyFile  string

	// PublicURL is the externally reachable base, e.g. "http://duty.example.com:8080".
	PublicURL string
	// DefaultFlow receives POST /upload. Empty means "the only ingester".
	DefaultFlow    string
	MaxUploadBytes int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger logx.Logger
	Bus    eventbus.Bus
	// Metrics, when set, instruments every route and is served at MetricsPath.
	Metrics     *metrics.Metrics
	MetricsPath string
}

// Scheduler is the part of the cron scheduler the API reads.
type Scheduler interface {
	Snapshot() scheduler.Snapshot
	Trigger(name string) error
}

// Tasks exposes engine state.
type Tasks interface {
	Snapshot() engine.Snapshot
}

// Backend is attached once the flow table exists. The router is built
// earlier so sources can be told their upload URL.
type Backend struct {
	Flows     *flow.Table
	Scheduler Scheduler
	Tasks     Tasks
	Audit     storage.Store
}

type Server struct {
	opt        Options
	log        logx.Logger
	httpServer *http.Server

	mu      sync.RWMutex
	backend Backend

	lnMu sync.Mutex
	ln   net.Listener
}

func New(opt Options) *Server {
	if opt.MaxUploadBytes <= 0 {
		opt.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opt.MetricsPath == "" {
		opt.MetricsPath = "/metrics"
	}
	opt.PublicURL = strings.TrimRight(opt.PublicURL, "/")

	s := &Server{opt: opt, log: opt.Logger.With(logx.String("comp", "http"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /upload", s.uploadForm)
	mux.HandleFunc("GET /upload/{flow}", s.uploadForm)
	mux.HandleFunc("POST /upload", s.upload)
	mux.HandleFunc("POST /upload/{flow}", s.upload)
	mux.HandleFunc("GET /api/v1/flows", s.listFlows)
	mux.HandleFunc("GET /api/v1/flows/{flow}/schedule", s.flowSchedule)
	mux.HandleFunc("POST /api/v1/flows/{flow}/publishers/{sink}/trigger", s.trigger)
	mux.HandleFunc("GET /api/v1/tasks", s.tasks)
	mux.HandleFunc("GET /api/v1/audit", s.audit)
	if opt.Metrics != nil {
		mux.Handle("GET "+opt.MetricsPath, opt.Metrics.Handler())
	}

	var handler http.Handler = mux
	if opt.Metrics != nil {
		handler = opt.Metrics.Middleware(handler)
	}
	handler = Logging(s.log)(handler)
	handler = Recovery(s.log)(handler)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(opt.Address, fmt.Sprint(opt.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       opt.ReadTimeout,
		WriteTimeout:      opt.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Mount attaches the flow table and runtime services.
func (s *Server) Mount(b Backend) {
	s.mu.Lock()
	s.backend = b
	s.mu.Unlock()
}

func (s *Server) current() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

// UploadURL is the link a flow's reminder points at.
func (s *Server) UploadURL(flowID string) string {
	if flowID == s.opt.DefaultFlow {
		return s.opt.PublicURL + "/upload"
	}
	return s.opt.PublicURL + "/upload/" + flowID
}

// Listen binds the listener so address errors surface before Serve.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.httpServer.Addr, err)
	}
	if s.opt.TLS {
		cert, err := tls.LoadX509KeyPair(s.opt.CertFile, s.opt.KeyFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("http tls: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	}
	s.lnMu.Lock()
	s.ln = ln
	s.lnMu.Unlock()
	return nil
}

// Addr reports the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown. It returns nil on a clean shutdown.
func (s *Server) Serve() error {
	s.lnMu.Lock()
	ln := s.ln
	s.lnMu.Unlock()
	if ln == nil {
		return errors.New("http: Serve called before Listen")
	}
	s.log.Info("http server started", logx.String("addr", ln.Addr().String()), logx.Bool("tls", s.opt.TLS), logx.String("public_url", s.opt.PublicURL))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server stopping")
	return s.httpServer.Shutdown(ctx)
}
