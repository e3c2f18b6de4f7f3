// Package server exposes the pipeline over HTTP: bundle upload, run status,
// cancellation and report retrieval.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/ingest"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/logging"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/orchestrator"
	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/store"
)

// multipart overhead allowed on top of the bundle ceiling
const uploadSlack = 1 << 20

// Options configures a Server.
type Options struct {
	// JWTSecret enables bearer authentication on /api/ routes when set.
	JWTSecret string
	// Metrics serves /metrics; defaults to promhttp.Handler().
	Metrics http.Handler
	Log     *logrus.Logger
}

// Server is the HTTP front end of an Orchestrator.
type Server struct {
	orch       *orchestrator.Orchestrator
	store      store.Store
	opts       Options
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates a Server.
func New(orch *orchestrator.Orchestrator, st store.Store, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	return &Server{orch: orch, store: st, opts: opts, log: log}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/runs", s.handleSubmit)
	api.HandleFunc("GET /api/v1/runs/{id}", s.handleStatus)
	api.HandleFunc("POST /api/v1/runs/{id}/cancel", s.handleCancel)
	api.HandleFunc("GET /api/v1/runs/{id}/report", s.handleReport)
	api.HandleFunc("GET /api/v1/reports", s.handleReports)

	var apiHandler http.Handler = api
	if s.opts.JWTSecret != "" {
		apiHandler = jwtMiddleware(s.opts.JWTSecret)(api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.opts.Metrics)
	mux.Handle("/api/", apiHandler)
	return s.logRequests(mux)
}

// Start begins listening on addr ("host:0" picks a free port) and returns
// the bound address.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()

	return ln.Addr().String(), nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, ingest.MaxBundleSize+uploadSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "oversize: upload exceeds the bundle limit")
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if header.Size > ingest.MaxBundleSize {
		writeError(w, http.StatusRequestEntityTooLarge, "oversize: upload exceeds the bundle limit")
		return
	}

	var format ingest.Format
	if v := r.FormValue("format"); v != "" {
		format, err = ingest.ParseFormat(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	subject, _ := SubjectFromContext(r.Context())
	id, err := s.orch.Submit(orchestrator.Submission{
		Bundle:        ingest.Bundle{Name: header.Filename, Format: format, Data: data},
		IncidentTitle: r.FormValue("title"),
		Guidance:      r.FormValue("guidance"),
		SubmittedBy:   subject,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.Header().Set("Location", "/api/v1/runs/"+id)
	writeJSON(w, http.StatusAccepted, submitResponse{RunID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Status(r.PathValue("id"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(id); err != nil {
		s.writeRunError(w, err)
		return
	}
	st, err := s.orch.Status(id)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.orch.Result(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(rep.HTML) //nolint:errcheck
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.List(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list reports")
		writeError(w, http.StatusInternalServerError, "list reports failed")
		return
	}
	if metas == nil {
		metas = []store.Meta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownRun), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNotDone):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
