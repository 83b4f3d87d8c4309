package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"receiptscanner/internal/ratelimit"
	"receiptscanner/internal/util"
	"receiptscanner/pkg/domain"
	"receiptscanner/pkg/queue"
	"receiptscanner/services/receipts/internal/app"
)

const defaultMaxUploadBytes = 32 << 20

// Service is the application surface exposed over HTTP.
type Service interface {
	ProcessStream(ctx context.Context, doc app.Document) iter.Seq2[app.ProcessEvent, error]
	QueryStream(ctx context.Context, question string) iter.Seq2[app.QueryEvent, error]
	Answer(ctx context.Context, question string) (app.Answer, error)
	EnqueueUpload(ctx context.Context, doc app.Document) (queue.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, error)
	ListReceipts(ctx context.Context, limit int) ([]domain.ReceiptEntry, error)
	GetReceipt(ctx context.Context, hash string) (domain.ReceiptEntry, []string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App Service

	// UploadLimiter and QueryLimiter are optional per-client quotas.
	UploadLimiter  ratelimit.Limiter
	QueryLimiter   ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the receipt service.
type Server struct {
	app            Service
	uploadLimit    func(http.Handler) http.Handler
	queryLimit     func(http.Handler) http.Handler
	securityHeader func(http.Handler) http.Handler
	maxUploadBytes int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		uploadLimit:    ratelimit.Middleware(cfg.UploadLimiter, "upload", cfg.TrustedProxies),
		queryLimit:     ratelimit.Middleware(cfg.QueryLimiter, "query", cfg.TrustedProxies),
		securityHeader: util.WithSecurityHeaders(cfg.TrustedProxies),
		maxUploadBytes: maxUpload,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("receipts", s.securityHeader(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("POST /api/upload", s.uploadLimit(http.HandlerFunc(s.handleUpload)))
	s.mux.Handle("POST /api/jobs", s.uploadLimit(http.HandlerFunc(s.handleEnqueue)))
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleJob)
	s.mux.Handle("POST /api/query", s.queryLimit(http.HandlerFunc(s.handleQuery)))
	s.mux.Handle("POST /api/answer", s.queryLimit(http.HandlerFunc(s.handleAnswer)))
	s.mux.HandleFunc("GET /api/receipts", s.handleListReceipts)
	s.mux.HandleFunc("GET /api/receipts/{hash}", s.handleGetReceipt)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}
	// The pipeline outlives a disconnected client so the receipt is still stored.
	ctx := context.WithoutCancel(r.Context())
	streamNDJSON(w, r, s.app.ProcessStream(ctx, doc), true)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}
	job, err := s.app.EnqueueUpload(r.Context(), doc)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.app.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type queryRequest struct {
	Query string `json:"query"`
}

func readQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req queryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return "", false
	}
	return query, true
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	query, ok := readQuery(w, r)
	if !ok {
		return
	}
	streamNDJSON(w, r, s.app.QueryStream(r.Context(), query), false)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	query, ok := readQuery(w, r)
	if !ok {
		return
	}
	// Answers can take several completions, well past the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	ans, err := s.app.Answer(r.Context(), query)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.app.ListReceipts(r.Context(), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.ReceiptEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": entries})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	entry, names, err := s.app.GetReceipt(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry, "documentNames": names})
}

// readDocument reads the multipart "file" field.
func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) (app.Document, bool) {
	if r.ContentLength > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return app.Document{}, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		case errors.Is(err, http.ErrMissingFile):
			writeError(w, http.StatusBadRequest, "file is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid multipart form")
		}
		return app.Document{}, false
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read file failed")
		return app.Document{}, false
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return app.Document{}, false
	}
	return app.Document{Name: header.Filename, Data: data}, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := publicError(err)
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, msg)
}

// publicError maps err to the status and message a client may see.
// Sentinel errors keep their text; anything else is reported generically.
func publicError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrDocumentRequired), errors.Is(err, app.ErrQueryRequired):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrJobNotFound), errors.Is(err, app.ErrReceiptNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, app.ErrQueueUnavailable):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
