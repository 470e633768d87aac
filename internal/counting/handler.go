package counting

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-wms/atlas-wms/internal/observability"
	"github.com/atlas-wms/atlas-wms/internal/platform/httpx"
	"github.com/atlas-wms/atlas-wms/internal/reconcile"
	"github.com/atlas-wms/atlas-wms/internal/shared"
)

// Handler wires the batch ingestion endpoint.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	metrics  *observability.Metrics
	validate *validator.Validate
}

// NewHandler constructs the HTTP handler.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		metrics:  metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/counting-batches", h.ingestBatch)
}

type recordRequest struct {
	CountingID   int64      `json:"counting_id" validate:"required"`
	LocationID   int64      `json:"location_id" validate:"required"`
	ProductID    *int64     `json:"product_id"`
	Quantity     int64      `json:"quantity" validate:"required,gt=0"`
	Lot          string     `json:"lot"`
	Expiry       *time.Time `json:"expiry"`
	Serials      []string   `json:"serials"`
	AssignmentID int64      `json:"assignment_id" validate:"required"`
}

type batchRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	ActorID        int64           `json:"actor_id"`
	Records        []recordRequest `json:"records" validate:"required,min=1,dive"`
}

func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := BatchInput{
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
		Records:        make([]BatchRecord, len(req.Records)),
	}
	for i, record := range req.Records {
		input.Records[i] = BatchRecord{
			CountingID:   record.CountingID,
			LocationID:   record.LocationID,
			ProductID:    record.ProductID,
			Quantity:     record.Quantity,
			Lot:          record.Lot,
			Expiry:       record.Expiry,
			Serials:      record.Serials,
			AssignmentID: record.AssignmentID,
		}
	}

	result, err := h.service.IngestBatch(r.Context(), input)
	if err != nil {
		h.respondIngestError(w, err)
		return
	}
	h.metrics.CountBatchRecords(result.Created, result.Updated)
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) respondIngestError(w http.ResponseWriter, err error) {
	var validation *ValidationError
	var reference *ReferenceError
	var modeRule *ModeRuleError
	var resolved *reconcile.ResolvedError
	switch {
	case errors.Is(err, ErrEmptyBatch), errors.As(err, &validation), errors.As(err, &modeRule):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.As(err, &reference):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Reference Not Found", err.Error())
	case errors.As(err, &resolved):
		httpx.Problem(w, http.StatusConflict, "Discrepancy Resolved", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, shared.ErrLockNotAcquired):
		httpx.Problem(w, http.StatusConflict, "Busy", "a concurrent batch is reconciling the same stock; retry")
	default:
		h.logger.Error("ingest batch", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
