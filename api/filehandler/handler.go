package filehandler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/session-file-server/api"
	"github.com/ruteri/session-file-server/auth"
	"github.com/ruteri/session-file-server/common"
	"github.com/ruteri/session-file-server/interfaces"
	"github.com/ruteri/session-file-server/releases"
	"github.com/ruteri/session-file-server/storage"
)

// VersionMaxAge is how old a release version may be before it is withheld.
const VersionMaxAge = 24 * time.Hour

var platforms = map[string]string{
	"desktop": "oxen-io/session-desktop",
	"android": "oxen-io/session-android",
	"ios":     "oxen-io/session-ios",
}

// Handler serves the file API.
type Handler struct {
	files    *storage.FileStore
	releases releases.Store
	auth     *auth.Authenticator
	clock    clock.Clock
	log      *slog.Logger
}

// NewHandler creates the file API handler. Requests carrying signature
// headers are verified with a; unsigned requests are accepted.
func NewHandler(files *storage.FileStore, rel releases.Store, a *auth.Authenticator, clk clock.Clock, log *slog.Logger) *Handler {
	return &Handler{
		files:    files,
		releases: rel,
		auth:     a,
		clock:    clk,
		log:      log,
	}
}

// MaxFileSizeB64 is the longest accepted base64 upload for maxFileSize bytes.
func MaxFileSizeB64(maxFileSize int) int {
	return (maxFileSize + 2) / 3 * 4
}

// RegisterRoutes configures the HTTP router with the file endpoints:
//   - POST /file - upload raw bytes
//   - POST /files - upload base64 in a JSON body
//   - GET /file/{id} - download raw bytes
//   - GET /files/{id} - download as base64 in a JSON body
//   - GET /file/{id}/info - size and timestamps
//   - GET /session_version - latest client release
func (h *Handler) RegisterRoutes(r chi.Router) {
	maxBody := int64(MaxFileSizeB64(h.files.MaxFileSize())) + 1024

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.auth, false, maxBody, h.log))

		r.Post("/file", h.HandleUpload)
		r.Post("/files", h.HandleLegacyUpload)
		r.Get("/file/{id}", h.HandleDownload)
		r.Get("/files/{id}", h.HandleLegacyDownload)
		r.Get("/file/{id}/info", h.HandleInfo)
		r.Get("/session_version", h.HandleSessionVersion)
	})
}

// HandleUpload stores the raw request body.
//
// Response: {"id": "<id>"}
//
// Status codes:
//   - 200 OK: stored
//   - 413 Payload Too Large: empty or oversized body
//   - 507 Insufficient Storage: no free legacy id found
//   - 500 Internal Server Error: storage failure
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(h.files.MaxFileSize())+1))
	if err != nil {
		h.log.Warn("Failed to read upload", "err", err)
		api.WriteStatus(w, http.StatusBadRequest)
		return
	}

	id, err := h.submit(r, body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, api.UploadResponse{ID: id})
}

// HandleLegacyUpload stores the base64 "file" field of a JSON body. In legacy
// id mode the id is returned as a JSON number.
func (h *Handler) HandleLegacyUpload(w http.ResponseWriter, r *http.Request) {
	var req api.LegacyUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.File == nil {
		h.log.Warn("Invalid request: did not find json with a 'file' property", "err", err)
		api.WriteStatus(w, http.StatusBadRequest)
		return
	}

	if len(*req.File) > MaxFileSizeB64(h.files.MaxFileSize()) {
		h.log.Warn("Rejecting oversized base64 upload", slog.Int("size", len(*req.File)))
		api.WriteStatus(w, http.StatusRequestEntityTooLarge)
		return
	}

	// An empty file decodes to no data and is rejected as too small.
	data, err := common.DecodeBase64(*req.File)
	if err != nil {
		h.log.Warn("Invalid base64 upload", "err", err)
		api.WriteStatus(w, http.StatusBadRequest)
		return
	}

	id, err := h.submit(r, data)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var result any = id
	if h.files.LegacyIDs() {
		if n, err := strconv.ParseUint(id, 10, 64); err == nil {
			result = n
		}
	}

	api.WriteJSON(w, http.StatusOK, api.StatusResponse{StatusCode: http.StatusOK, Result: result})
}

func (h *Handler) submit(r *http.Request, data []byte) (string, error) {
	id, err := h.files.Submit(r.Context(), data)
	if err != nil {
		return "", err
	}

	log := h.log
	if identity := auth.IdentityFromContext(r.Context()); identity != "" {
		log = log.With("identity", string(identity))
	}
	log.Info("File uploaded", slog.String("id", id), slog.Int("size", len(data)))
	return id, nil
}

// HandleDownload returns the raw bytes of a file.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	data, err := h.files.Fetch(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleLegacyDownload returns the file base64 encoded in a JSON body.
func (h *Handler) HandleLegacyDownload(w http.ResponseWriter, r *http.Request) {
	data, err := h.files.Fetch(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, api.StatusResponse{
		StatusCode: http.StatusOK,
		Result:     base64.StdEncoding.EncodeToString(data),
	})
}

// HandleInfo returns size, upload time and expiry of a file.
func (h *Handler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.files.Info(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, api.FileInfoResponse{
		Size:     info.Size,
		Uploaded: storage.UnixSeconds(info.Uploaded),
		Expires:  storage.UnixSeconds(info.Expiry),
	})
}

// HandleSessionVersion returns the latest release of a Session client.
//
// URL format: GET /session_version?platform=desktop|android|ios
//
// Status codes:
//   - 200 OK: {"status_code":200,"updated":<ts>,"result":"<version>"}
//   - 404 Not Found: unknown platform, or no version refreshed within 24h
func (h *Handler) HandleSessionVersion(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	project, ok := platforms[platform]
	if !ok {
		h.log.Warn("Invalid session platform", slog.String("platform", platform))
		api.WriteStatus(w, http.StatusNotFound)
		return
	}

	v, err := releases.Latest(r.Context(), h.releases, project, h.clock.Now(), VersionMaxAge)
	switch {
	case errors.Is(err, releases.ErrNotFound), errors.Is(err, releases.ErrStale):
		h.log.Warn("Release version unavailable", slog.String("project", project), "err", err)
		api.WriteStatus(w, http.StatusNotFound)
		return
	case err != nil:
		h.log.Error("Failed to load release version", slog.String("project", project), "err", err)
		api.WriteStatus(w, http.StatusInternalServerError)
		return
	}

	api.WriteJSON(w, http.StatusOK, api.StatusResponse{
		StatusCode: http.StatusOK,
		Updated:    storage.UnixSeconds(v.Updated),
		Result:     v.Version,
	})
}

// StatusFor maps a file store error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrInvalidSize):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrCapacityExhausted):
		return http.StatusInsufficientStorage
	default:
		var reqErr *api.RequestError
		if errors.As(err, &reqErr) {
			return reqErr.StatusCode
		}
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("File request failed", "err", err, slog.Int("status", status))
	} else {
		h.log.Debug("File request rejected", "err", err, slog.Int("status", status))
	}
	api.WriteStatus(w, status)
}
