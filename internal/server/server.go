// Package server exposes the caption pipeline over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"snapcaption/internal/app"
	"snapcaption/internal/media"
	"snapcaption/internal/usertoken"
	"snapcaption/internal/util"
	"snapcaption/pkg/domain"
)

const formOverheadBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  *usertoken.Verifier
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the caption service.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	trustedProxies *util.TrustedProxies
	maxUploadBytes int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		trustedProxies: cfg.TrustedProxies,
		maxUploadBytes: cfg.MaxUploadBytes,
		mux:            http.NewServeMux(),
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = 8 << 20
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/captions", s.handleCaptions)
	s.mux.HandleFunc("/api/quota", s.handleQuota)
	s.mux.HandleFunc("/api/posts", s.handlePosts)
	s.mux.HandleFunc("/api/posts/", s.handlePostByID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// caller identifies one request's principal. A missing or invalid
// bearer token is not an error: captioning is open to guests, who are
// rate-limited by address instead.
type caller struct {
	userID   string
	clientIP string
}

func (s *Server) callerFrom(r *http.Request) caller {
	c := caller{clientIP: util.ClientIP(r, s.trustedProxies)}
	token, ok := bearerToken(r)
	if !ok || s.tokenVerifier == nil {
		return c
	}
	subject, err := s.tokenVerifier.VerifySubject(token)
	if err != nil {
		return c
	}
	c.userID = subject
	return c
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+formOverheadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes + formOverheadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	mood := strings.TrimSpace(r.FormValue("mood"))
	if mood == "" {
		writeError(w, http.StatusBadRequest, "mood is required")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close()
	imageBytes, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read image")
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if strings.TrimSpace(mimeType) == "" {
		mimeType = http.DetectContentType(imageBytes)
	}

	c := s.callerFrom(r)
	result, err := s.app.GenerateCaptions(r.Context(), app.Request{
		SessionUserID: c.userID,
		ClientIP:      c.clientIP,
		Mood:          mood,
		Description:   strings.TrimSpace(r.FormValue("description")),
		ImageBytes:    imageBytes,
		ImageMIME:     mimeType,
	})
	if err != nil {
		writeGenerationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, captionResponse{
		Captions:     result.Captions,
		Unsafe:       result.Unsafe,
		UnsafeReason: result.UnsafeReason,
		ImageURL:     result.ImageURL,
		PostID:       result.PostID,
		Stored:       result.Stored,
		Quota: quotaPayload{
			Remaining: result.Remaining,
			ResetsAt:  result.ResetTime,
		},
	})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	c := s.callerFrom(r)
	decision, err := s.app.QuotaStatus(r.Context(), c.userID, c.clientIP)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quota lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, quotaPayload{
		Tier:      decision.Tier,
		Limit:     decision.Limit,
		Remaining: decision.Remaining,
		ResetsAt:  decision.ResetTime,
	})
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	c := s.callerFrom(r)
	if c.userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	posts, err := s.app.ListPosts(c.userID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list posts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]domain.Post{"items": posts})
}

func (s *Server) handlePostByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	postID := strings.TrimPrefix(r.URL.Path, "/api/posts/")
	if postID == "" || strings.Contains(postID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	c := s.callerFrom(r)
	if c.userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.DeletePost(r.Context(), c.userID, postID); err != nil {
		switch {
		case errors.Is(err, app.ErrPostNotFound):
			writeError(w, http.StatusNotFound, "post not found")
		case errors.Is(err, app.ErrPostForbidden):
			writeError(w, http.StatusForbidden, "forbidden")
		default:
			writeError(w, http.StatusInternalServerError, "delete post failed")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeGenerationError maps the pipeline taxonomy onto status codes.
// QuotaExceeded carries structured data so the UI can render a precise
// "resets on <date>" message.
func writeGenerationError(w http.ResponseWriter, err error) {
	var quotaErr *app.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:  "generation quota exceeded",
			Reason: "quota_exceeded",
			Quota: &quotaPayload{
				Tier:      quotaErr.Tier,
				Limit:     quotaErr.Limit,
				Remaining: 0,
				ResetsAt:  quotaErr.ResetTime,
			},
		})
	case errors.Is(err, app.ErrInvalidMedia):
		writeReason(w, http.StatusBadRequest, "invalid_media", "unsupported or unreadable image")
	case errors.Is(err, media.ErrUncompressible):
		writeReason(w, http.StatusBadRequest, "uncompressible", "image too large to process, try a smaller one")
	case errors.Is(err, app.ErrUploadFailed):
		writeReason(w, http.StatusBadGateway, "upload_failed", "image upload failed, please retry")
	case errors.Is(err, app.ErrGeneratorUnavailable):
		writeReason(w, http.StatusBadGateway, "generator_unavailable", "caption generation is unavailable, please retry")
	case errors.Is(err, app.ErrNoValidOutput):
		writeReason(w, http.StatusBadGateway, "no_valid_output", "caption generation produced no usable output, please retry")
	case errors.Is(err, app.ErrPersistFailed):
		writeReason(w, http.StatusInternalServerError, "persist_failed", "captions could not be saved, please retry the whole request")
	default:
		writeReason(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type captionResponse struct {
	Captions     []string     `json:"captions"`
	Unsafe       bool         `json:"unsafe"`
	UnsafeReason string       `json:"unsafeReason,omitempty"`
	ImageURL     string       `json:"imageUrl,omitempty"`
	PostID       string       `json:"postId,omitempty"`
	Stored       bool         `json:"stored"`
	Quota        quotaPayload `json:"quota"`
}

type quotaPayload struct {
	Tier      string    `json:"tier,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resetsAt"`
}

type errorResponse struct {
	Error  string        `json:"error"`
	Reason string        `json:"reason,omitempty"`
	Quota  *quotaPayload `json:"quota,omitempty"`
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeReason(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Reason: reason})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
