package ota

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	domain "github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/domain/update"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/service/updater"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/version"
)

// Route paths served by the agent. They are a published device API and
// do not change with configuration.
const (
	uploadRoute  = "/api/ota/commd/upload"
	versionRoute = "/api/ota/commd/version"
	statusRoute  = "/api/ota/commd/status"
)

// uploadFieldName is the multipart form field carrying the package.
const uploadFieldName = "file"

// defaultMaxUploadBytes caps upload size; devices carry binaries far
// smaller than this.
const defaultMaxUploadBytes = 256 << 20

// Service abstracts the update operations the transport layer depends on.
type Service interface {
	Apply(ctx context.Context, archive io.ReaderAt, size int64) (*domain.Release, error)
	Committed(ctx context.Context) (*domain.Release, error)
	Status(ctx context.Context) *domain.Status
}

// Handler exposes the update engine over HTTP.
type Handler struct {
	// service provides the update transaction and query logic.
	service Service
	// maxUploadBytes bounds the request body on uploads.
	maxUploadBytes int64
}

// Option customizes handler behavior.
type Option func(*Handler)

// WithMaxUploadBytes overrides the upload size cap.
func WithMaxUploadBytes(limit int64) Option {
	return func(h *Handler) {
		if limit > 0 {
			h.maxUploadBytes = limit
		}
	}
}

// NewHandler wires the provided service implementation into an HTTP handler.
func NewHandler(service Service, opts ...Option) *Handler {
	h := &Handler{
		service:        service,
		maxUploadBytes: defaultMaxUploadBytes,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Register attaches the agent's routes to the router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc(uploadRoute, h.upload).Methods(http.MethodPost)
	router.HandleFunc(versionRoute, h.version).Methods(http.MethodGet)
	router.HandleFunc(statusRoute, h.status).Methods(http.MethodGet)
}

// upload accepts a multipart package upload and runs it through a full
// update transaction, translating the outcome to the wire contract.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	file, header, err := r.FormFile(uploadFieldName)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "Upload exceeds size limit")
			return
		}

		writeDetail(w, http.StatusBadRequest, "No file uploaded")

		return
	}

	defer func() {
		_ = file.Close()
	}()

	if !isZIPContentType(header.Header.Get("Content-Type")) {
		writeDetail(w, http.StatusBadRequest, "Only ZIP files accepted")
		return
	}

	logger.InfoKV(ctx, "Package upload received",
		"filename", header.Filename,
		"size", header.Size)

	rel, err := h.service.Apply(ctx, file, header.Size)
	if err != nil {
		h.writeApplyError(ctx, w, err)
		return
	}

	logger.InfoKV(ctx, "Update applied", "version", rel.Version)
	writeDetail(w, http.StatusOK, "Update successful")
}

// writeApplyError maps engine verdicts onto status codes and the exact
// response phrases existing tooling matches on. Digest and signature
// failures share one phrase, so callers cannot tell which of the two
// checks rejected the package.
func (h *Handler) writeApplyError(ctx context.Context, w http.ResponseWriter, err error) {
	var missing *updater.MissingArtifactError

	switch {
	case errors.Is(err, updater.ErrUpdateInProgress):
		writeDetail(w, http.StatusConflict, "Update already in progress")
	case errors.Is(err, updater.ErrNoTrustedKey):
		writeDetail(w, http.StatusInternalServerError, "OTA certificate is not present")
	case errors.Is(err, updater.ErrArchiveInvalid):
		writeDetail(w, http.StatusBadRequest, "Invalid ZIP file")
	case errors.As(err, &missing):
		writeDetail(w, http.StatusBadRequest, "Missing "+missing.Name+" in OTA package")
	case errors.Is(err, updater.ErrDigestMismatch), errors.Is(err, updater.ErrSignatureInvalid):
		writeDetail(w, http.StatusBadRequest, "SHA256 hash mismatch")
	case errors.Is(err, updater.ErrHealthCheckFailed):
		writeDetail(w, http.StatusInternalServerError, "Failed to start new app, rollback done")
	default:
		logger.ErrorKV(ctx, "Update failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Update failed")
	}
}

// version reports the committed release, with explicit nulls when the
// device has never been provisioned.
func (h *Handler) version(w http.ResponseWriter, r *http.Request) {
	rel, err := h.service.Committed(r.Context())
	if err != nil {
		logger.ErrorKV(r.Context(), "Unable to read release state", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Unable to read release state")

		return
	}

	writeJSON(w, http.StatusOK, newVersionResponse(rel))
}

// status reports a diagnostic snapshot of the agent and the managed service.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	snapshot := h.service.Status(r.Context())

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	response := statusResponse{
		AgentVersion:    version.Short(),
		Hostname:        hostname,
		ServiceActive:   snapshot.ServiceActive,
		versionResponse: newVersionResponse(snapshot.Committed),
		DiskFreeBytes:   snapshot.DiskFreeBytes,
	}

	writeJSON(w, http.StatusOK, response)
}

// isZIPContentType accepts the MIME spellings ZIP uploads arrive with.
func isZIPContentType(contentType string) bool {
	switch contentType {
	case "application/zip", "application/x-zip-compressed":
		return true
	default:
		return false
	}
}
