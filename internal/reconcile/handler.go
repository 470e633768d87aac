package reconcile

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atlas-wms/atlas-wms/internal/platform/httpx"
)

// Handler serves display-only discrepancy history. Mutation happens only
// through the ingestion pipeline.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the HTTP handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/discrepancies", func(r chi.Router) {
		r.Get("/", h.getHistory)
		r.Get("/unresolved", h.getUnresolved)
	})
}

type discrepancyResponse struct {
	ID             int64          `json:"id"`
	ProductID      int64          `json:"product_id"`
	LocationID     int64          `json:"location_id"`
	InventoryID    int64          `json:"inventory_id"`
	TotalSequences int            `json:"total_sequences"`
	Resolved       bool           `json:"resolved"`
	FinalResult    *int64         `json:"final_result"`
	Justification  string         `json:"justification,omitempty"`
	Sequences      []sequenceView `json:"sequences"`
}

type sequenceView struct {
	SequenceNumber    int       `json:"sequence_number"`
	Quantity          int64     `json:"quantity"`
	DeltaFromPrevious *int64    `json:"delta_from_previous"`
	RecordedAt        time.Time `json:"recorded_at"`
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id, location_id and inventory_id are required")
		return
	}
	agg, history, err := h.service.History(r.Context(), key)
	if err != nil {
		if errors.Is(err, ErrDiscrepancyNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.Error("discrepancy history", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := discrepancyResponse{
		ID:             agg.ID,
		ProductID:      agg.Key.ProductID,
		LocationID:     agg.Key.LocationID,
		InventoryID:    agg.Key.InventoryID,
		TotalSequences: agg.TotalSequences,
		Resolved:       agg.Resolved,
		FinalResult:    agg.FinalResult,
		Justification:  agg.Justification,
		Sequences:      make([]sequenceView, 0, len(history)),
	}
	for _, seq := range history {
		resp.Sequences = append(resp.Sequences, sequenceView{
			SequenceNumber:    seq.SequenceNumber,
			Quantity:          seq.Quantity,
			DeltaFromPrevious: seq.DeltaFromPrevious,
			RecordedAt:        seq.RecordedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) getUnresolved(w http.ResponseWriter, r *http.Request) {
	inventoryID, err := strconv.ParseInt(r.URL.Query().Get("inventory_id"), 10, 64)
	if err != nil || inventoryID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "inventory_id is required")
		return
	}
	count, err := h.service.UnresolvedCount(r.Context(), inventoryID)
	if err != nil {
		h.logger.Error("unresolved count", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"inventory_id": inventoryID, "unresolved": count})
}

func keyFromQuery(r *http.Request) (Key, bool) {
	productID, err1 := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	locationID, err2 := strconv.ParseInt(r.URL.Query().Get("location_id"), 10, 64)
	inventoryID, err3 := strconv.ParseInt(r.URL.Query().Get("inventory_id"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || productID == 0 || locationID == 0 || inventoryID == 0 {
		return Key{}, false
	}
	return Key{ProductID: productID, LocationID: locationID, InventoryID: inventoryID}, true
}
