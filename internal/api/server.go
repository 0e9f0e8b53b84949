// Package api exposes the HTTP surface: uploads, job visibility, per-page
// results, and the queue controls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NayerAli/ocrdrop/internal/config"
	"github.com/NayerAli/ocrdrop/internal/model"
	"github.com/NayerAli/ocrdrop/internal/orchestrator"
	"github.com/NayerAli/ocrdrop/internal/repository"
	"github.com/NayerAli/ocrdrop/internal/s3storage"
	"github.com/NayerAli/ocrdrop/internal/signing"
)

// Server exposes HTTP endpoints for uploads and job visibility.
type Server struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	jobs    *repository.Jobs
	results *repository.Results
	store   *s3storage.Storage
	signer  *signing.Signer
	log     *slog.Logger
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, jobs *repository.Jobs, results *repository.Results, store *s3storage.Storage, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		orch:    orch,
		jobs:    jobs,
		results: results,
		store:   store,
		signer:  signing.NewSigner(cfg.SigningSecret),
		log:     log.With("component", "api"),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.HandleFunc("/documents", s.handleDocuments)
		mux.HandleFunc("/documents/", s.handleDocumentRoute)
		mux.HandleFunc("/queue/pause", s.handlePause)
		mux.HandleFunc("/queue/resume", s.handleResume)
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: corsMiddleware(s.loggingMiddleware(mux)),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", "address", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDocumentRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleDocument(w, r, id)
		return
	}
	switch parts[1] {
	case "results":
		s.handleResults(w, r, id)
	case "text":
		s.handleText(w, r, id)
	case "share":
		s.handleShare(w, r, id)
	case "download-url":
		s.handleDownloadURL(w, r, id)
	case "cancel":
		s.handleCancel(w, r, id)
	case "retry":
		s.handleRetry(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := model.JobStatus(r.URL.Query().Get("status"))
	limit := parseUint(r.URL.Query().Get("limit"), 50)
	offset := parseUint(r.URL.Query().Get("offset"), 0)
	jobs, err := s.jobs.List(r.Context(), status, limit, offset)
	if err != nil {
		s.log.Error("list jobs", "error", err)
		http.Error(w, "failed to list documents", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		job, err := s.jobs.Get(r.Context(), id)
		if err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		if err := s.orch.Delete(r.Context(), id); err != nil {
			s.respondError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.jobs.Get(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	results, err := s.results.ForJob(r.Context(), id)
	if err != nil {
		s.log.Error("load results", "job", id, "error", err)
		http.Error(w, "failed to load results", http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []model.PageResult{}
	}
	respondJSON(w, http.StatusOK, results)
}

// handleText serves the concatenated page text. A valid share token grants
// access on its own, so completed text can be linked without exposing the API.
func (s *Server) handleText(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if sig := q.Get("sig"); sig != "" {
		if !s.signer.Validate(id, q.Get("expires"), sig, time.Now()) {
			http.Error(w, "invalid or expired link", http.StatusForbidden)
			return
		}
	}
	results, err := s.results.ForJob(r.Context(), id)
	if err != nil {
		s.log.Error("load results", "job", id, "error", err)
		http.Error(w, "failed to load results", http.StatusInternalServerError)
		return
	}
	if len(results) == 0 {
		http.Error(w, "no text extracted yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for i, res := range results {
		if i > 0 {
			io.WriteString(w, "\n\n")
		}
		io.WriteString(w, res.Text)
	}
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.jobs.Get(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	expires := time.Now().Add(s.cfg.ShareTTL).Unix()
	sig := s.signer.Sign(id, expires)
	respondJSON(w, http.StatusOK, map[string]string{
		"url": fmt.Sprintf("/documents/%s/text?expires=%d&sig=%s", id, expires, sig),
	})
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if job.ProcessedKey == "" {
		http.Error(w, "processed artifact unavailable", http.StatusNotFound)
		return
	}
	url, err := s.store.PresignProcessedURL(r.Context(), job.ProcessedKey, s.cfg.ShareTTL)
	if err != nil {
		s.log.Error("presign url", "job", id, "error", err)
		http.Error(w, "failed to generate url", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.orch.Retry(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(model.StatusQueued)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.orch.Pause(r.Context()); err != nil {
		s.log.Error("pause queue", "error", err)
		http.Error(w, "failed to pause queue", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"queue": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.orch.Resume(r.Context()); err != nil {
		s.log.Error("resume queue", "error", err)
		http.Error(w, "failed to resume queue", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"queue": "running"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}

	var ids []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		job, err := s.acceptPart(ctx, part)
		part.Close()
		if err != nil {
			s.respondError(w, err)
			return
		}
		ids = append(ids, job.ID)
	}
	if len(ids) == 0 {
		http.Error(w, "no file part in form", http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"ids":    ids,
		"status": string(model.StatusQueued),
	})
}

// acceptPart spools one multipart file to disk, sniffs its type, and hands it
// to the orchestrator.
func (s *Server) acceptPart(ctx context.Context, part *multipart.Part) (*model.Job, error) {
	tmp, err := s.persistTemp(part)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()

	return s.orch.Enqueue(ctx, orchestrator.Upload{
		FileName:    tmp.filename,
		Size:        tmp.size,
		ContentType: tmp.contentType,
		Content:     tmp.f,
	})
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "ocrdrop-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	discard := func(err error) (*tempUpload, error) {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, err
	}

	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				return discard(&orchestrator.InvalidFileError{
					Name:   part.FileName(),
					Reason: fmt.Sprintf("exceeds limit of %d bytes", s.cfg.MaxFileSize),
				})
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				return discard(fmt.Errorf("write temp file: %w", err))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return discard(fmt.Errorf("read file: %w", readErr))
		}
	}
	if written == 0 {
		return discard(&orchestrator.InvalidFileError{Name: part.FileName(), Reason: "empty file"})
	}
	if _, err := tmpFile.Seek(0, 0); err != nil {
		return discard(fmt.Errorf("rewind temp file: %w", err))
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: http.DetectContentType(sniff),
		filename:    filename,
	}, nil
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var invalid *orchestrator.InvalidFileError
	switch {
	case errors.As(err, &invalid):
		http.Error(w, invalid.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "document not found", http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrNotRetryable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func parseUint(v string, def uint64) uint64 {
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
