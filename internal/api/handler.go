package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/types"
	"github.com/elskow/binder-build/internal/registry"
	"github.com/elskow/binder-build/internal/store"
)

const maxRequestBody = 1 << 20

// BuildService is the part of the pipeline the API drives.
type BuildService interface {
	Submit(ctx context.Context, repository string) (*types.BuildRecord, error)
	Cancel(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Watch(ctx context.Context, name string) (*types.BuildRecord, <-chan *types.BuildRecord, func(), error)
}

type Handler struct {
	builds    BuildService
	store     store.BuildStore
	templates registry.Registry
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewHandler(builds BuildService, buildStore store.BuildStore, templates registry.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		builds:    builds,
		store:     buildStore,
		templates: templates,
		validate:  validator.New(),
		logger:    logger,
	}
}

type submitRequest struct {
	Repository string `json:"repository" validate:"required"`
}

type submitResponse struct {
	Name       string    `json:"name"`
	Repository string    `json:"repository"`
	StartTime  time.Time `json:"startTime"`
}

// POST /builds
func (h *Handler) SubmitBuild(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		h.writeJSON(w, http.StatusBadRequest, builderrors.Wrap(builderrors.CodeInvalidRequest, err, "malformed body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.logger.Warn("validation failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		h.writeJSON(w, http.StatusUnprocessableEntity, builderrors.New(builderrors.CodeInvalidRequest, "repository is required"))
		return
	}

	record, err := h.builds.Submit(r.Context(), req.Repository)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, submitResponse{
		Name:       record.Name,
		Repository: record.Repository,
		StartTime:  record.StartTime,
	})
}

// GET /builds
func (h *Handler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.FindAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

// GET /builds/{name}
func (h *Handler) GetBuild(w http.ResponseWriter, r *http.Request) {
	record, err := h.store.FindByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// DELETE /builds/{name}
func (h *Handler) RemoveBuild(w http.ResponseWriter, r *http.Request) {
	if err := h.builds.Remove(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /builds/{name}/cancel
func (h *Handler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.builds.Cancel(r.Context(), name); err != nil {
		h.writeError(w, err)
		return
	}

	record, err := h.store.FindByName(r.Context(), name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// GET /templates
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templates.FindAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, templates)
}

// GET /templates/{name}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	template, err := h.templates.FindByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, template)
}

// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

// writeError maps classified errors to their status code. Anything
// unclassified is reported as a storage failure without its details.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	e, ok := builderrors.As(err)
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e = builderrors.New(builderrors.CodeCancelled, "request cancelled")
		} else {
			h.logger.Error("unclassified error", zap.Error(err))
			e = builderrors.New(builderrors.CodePersistence)
		}
	}

	status := statusFor(e.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	h.writeJSON(w, status, e)
}

func statusFor(code builderrors.Code) int {
	switch code {
	case builderrors.CodeInvalidRequest:
		return http.StatusUnprocessableEntity
	case builderrors.CodeUnsupportedSource:
		return http.StatusBadRequest
	case builderrors.CodeNotFound:
		return http.StatusNotFound
	case builderrors.CodeConflict:
		return http.StatusConflict
	case builderrors.CodeForbidden:
		return http.StatusForbidden
	case builderrors.CodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
