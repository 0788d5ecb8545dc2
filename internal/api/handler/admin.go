package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/apikey"
	"github.com/kiranshivaraju/faultline/internal/retention"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Cleaner runs one retention pass.
type Cleaner interface {
	Run(ctx context.Context) (retention.Result, error)
}

// NewCleanupHandler returns an http.HandlerFunc for POST /api/v1/admin/cleanup.
func NewCleanupHandler(c Cleaner, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := c.Run(r.Context())
		if err != nil {
			logger.Error("retention cleanup failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "CLEANUP_FAILED", "Retention cleanup failed", res)
			return
		}
		response.JSON(w, res)
	}
}

// KeyStore is the subset of the store the key management handlers need.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// Keys serves API key management.
type Keys struct {
	store  KeyStore
	cost   int
	logger *slog.Logger
}

// NewKeys creates the key handlers. A bcrypt cost of 0 uses the default.
func NewKeys(s KeyStore, cost int, logger *slog.Logger) *Keys {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keys{store: s, cost: cost, logger: logger}
}

type createKeyRequest struct {
	Name   string   `json:"name"   validate:"required,max=100"`
	Scopes []string `json:"scopes" validate:"omitempty,dive,oneof=ingest read admin"`
}

type createdKey struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

// Create handles POST /api/v1/admin/keys. The raw key is only in this response.
func (h *Keys) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key, raw, err := apikey.Generate(req.Name, req.Scopes, h.cost)
	if err != nil {
		if errors.Is(err, apikey.ErrInvalidScope) {
			response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		h.logger.Error("generate api key failed", "error", err)
		response.Internal(w)
		return
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key already exists", nil)
			return
		}
		h.logger.Error("create api key failed", "error", err)
		response.Internal(w)
		return
	}
	h.logger.Info("api key created", "api_key_id", key.ID, "key_prefix", key.KeyPrefix)
	response.Created(w, createdKey{
		ID:        key.ID,
		Name:      key.Name,
		Key:       raw,
		KeyPrefix: key.KeyPrefix,
		Scopes:    key.Scopes,
		CreatedAt: key.CreatedAt,
	})
}

// List handles GET /api/v1/admin/keys.
func (h *Keys) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		h.logger.Error("list api keys failed", "error", err)
		response.Internal(w)
		return
	}
	response.JSON(w, nonNil(keys))
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}.
func (h *Keys) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "keyID")
	if !ok {
		return
	}
	if err := h.store.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "API key not found", nil)
			return
		}
		h.logger.Error("revoke api key failed", "api_key_id", id, "error", err)
		response.Internal(w)
		return
	}
	h.logger.Info("api key revoked", "api_key_id", id)
	response.NoContent(w)
}
