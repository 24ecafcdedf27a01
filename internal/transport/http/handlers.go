package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/service"
)

// Identity headers set by the upstream auth gateway
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	RoleAdmin = "admin"
)

// maxBodyBytes caps JSON request bodies
const maxBodyBytes = 1 << 20

// Handler holds the HTTP handlers for the link service
type Handler struct {
	links  service.LinkService
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(links service.LinkService, logger *zap.Logger) *Handler {
	return &Handler{
		links:  links,
		logger: logger,
	}
}

type qrPathRequest struct {
	Path string `json:"qr_code_path"`
}

type qrPathResponse struct {
	Key  string `json:"key"`
	Path string `json:"qr_code_path"`
}

// userID reads the caller's identity from the gateway header
func userID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderUserID)), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// requireUser writes 401 and returns false when the request carries no identity
func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := userID(r)
	if !ok {
		http.Error(w, "Missing or invalid "+HeaderUserID+" header", http.StatusUnauthorized)
	}
	return id, ok
}

// requireAdmin writes 401 or 403 and returns false unless an admin made the request
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if _, ok := requireUser(w, r); !ok {
		return false
	}
	if r.Header.Get(HeaderUserRole) != RoleAdmin {
		http.Error(w, "Admin role required", http.StatusForbidden)
		return false
	}
	return true
}

// queryInt reads a non-negative integer query parameter, falling back to def when absent
func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
	}
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidURL),
		errors.Is(err, domain.ErrInvalidAlias),
		errors.Is(err, domain.ErrInvalidTitle):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnsafeURL):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// errorDetail returns the message shown to clients for err
func errorDetail(status int, err error) string {
	switch status {
	case http.StatusServiceUnavailable:
		return "Service temporarily unavailable, please retry"
	case http.StatusInternalServerError:
		return "Internal server error"
	}
	return err.Error()
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("request_id", RequestID(r.Context())),
		zap.String("op", op),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	http.Error(w, errorDetail(status, err), status)
}

// Redirect handles GET /{key}, recording a click
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	record, err := h.links.Resolve(r.Context(), r.PathValue("key"), true)
	if err != nil {
		h.writeError(w, r, "redirect", err)
		return
	}

	http.Redirect(w, r, record.OriginalURL, http.StatusFound)
}

// CreateLink handles POST /api/links
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req domain.ShortenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		http.Error(w, "URL is required", http.StatusBadRequest)
		return
	}

	resp, err := h.links.Shorten(r.Context(), uid, req)
	if err != nil {
		h.writeError(w, r, "create link", err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, r, status, resp)
}

// ListLinks handles GET /api/links
func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	views, err := h.links.ListUserLinks(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, "list links", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, views)
}

// GetLink handles GET /api/links/{key} without recording a click
func (h *Handler) GetLink(w http.ResponseWriter, r *http.Request) {
	record, err := h.links.Resolve(r.Context(), r.PathValue("key"), false)
	if err != nil {
		h.writeError(w, r, "get link", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, record)
}

// UpdateLink handles PUT /api/links/{key}
func (h *Handler) UpdateLink(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req domain.UpdateLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == nil && req.Tags == nil {
		http.Error(w, "Nothing to update", http.StatusBadRequest)
		return
	}

	view, err := h.links.UpdateLink(r.Context(), uid, r.PathValue("key"), req)
	if err != nil {
		h.writeError(w, r, "update link", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, view)
}

// DeleteLink handles DELETE /api/links/{key}
func (h *Handler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.links.Delete(r.Context(), uid, r.PathValue("key")); err != nil {
		h.writeError(w, r, "delete link", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateTitle handles PUT /api/admin/links/{key}/title
func (h *Handler) UpdateTitle(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req domain.UpdateTitleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	record, err := h.links.UpdateTitle(r.Context(), r.PathValue("key"), req.Title)
	if err != nil {
		h.writeError(w, r, "update title", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, record)
}

// ListRecords handles GET /api/admin/links?limit=&offset=
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	limit, ok := queryInt(r, "limit", service.DefaultListLimit)
	if !ok {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		http.Error(w, "Invalid offset", http.StatusBadRequest)
		return
	}

	records, err := h.links.ListRecords(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, "list records", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, records)
}

// GetRecord handles GET /api/admin/links/{key}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	detail, err := h.links.GetRecord(r.Context(), r.PathValue("key"))
	if err != nil {
		h.writeError(w, r, "get record", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, detail)
}

// UpdateRecord handles PUT /api/admin/links/{key}
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req domain.UpdateRecordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OriginalURL == nil && req.Alias == nil && req.Title == nil {
		http.Error(w, "Nothing to update", http.StatusBadRequest)
		return
	}

	record, err := h.links.UpdateRecord(r.Context(), r.PathValue("key"), req)
	if err != nil {
		h.writeError(w, r, "update record", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, record)
}

// DeleteRecord handles DELETE /api/admin/links/{key}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	if err := h.links.DeleteRecord(r.Context(), r.PathValue("key")); err != nil {
		h.writeError(w, r, "delete record", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetQRPath handles GET /api/links/{key}/qr
func (h *Handler) GetQRPath(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	path, err := h.links.QRPath(r.Context(), key)
	if err != nil {
		h.writeError(w, r, "get qr path", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, qrPathResponse{Key: key, Path: path})
}

// SetQRPath handles PUT /api/links/{key}/qr
func (h *Handler) SetQRPath(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	caller := domain.Caller{UserID: uid, Admin: r.Header.Get(HeaderUserRole) == RoleAdmin}

	var req qrPathRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	key := r.PathValue("key")
	if err := h.links.SetQRPath(r.Context(), caller, key, req.Path); err != nil {
		h.writeError(w, r, "set qr path", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, qrPathResponse{Key: key, Path: strings.TrimSpace(req.Path)})
}

// FetchTitle handles GET /api/title?url=
func (h *Handler) FetchTitle(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "url query parameter is required", http.StatusBadRequest)
		return
	}

	title, err := h.links.FetchTitle(r.Context(), target)
	if err != nil {
		h.writeError(w, r, "fetch title", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, domain.TitleResponse{URL: target, Title: title})
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.links.Health(r.Context())

	status := http.StatusOK
	if health.Status != service.StatusOK {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, r, status, health)
}
