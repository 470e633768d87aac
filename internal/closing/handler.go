package closing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-wms/atlas-wms/internal/lifecycle"
	"github.com/atlas-wms/atlas-wms/internal/platform/httpx"
)

// Handler wires the close endpoint.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the HTTP handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/jobs/{jobID}/assignments/{assignmentID}/close", h.closeAssignment)
}

type closeRequest struct {
	PeopleIDs []int64 `json:"people_ids" validate:"required,min=1,max=2"`
	ActorID   int64   `json:"actor_id"`
}

func (h *Handler) closeAssignment(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid job id")
		return
	}
	assignmentID, err := strconv.ParseInt(chi.URLParam(r, "assignmentID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid assignment id")
		return
	}
	var req closeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.service.CloseAssignment(r.Context(), CloseInput{
		JobID:        jobID,
		AssignmentID: assignmentID,
		PeopleIDs:    req.PeopleIDs,
		ActorID:      req.ActorID,
	})
	if err != nil {
		h.respondCloseError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) respondCloseError(w http.ResponseWriter, err error) {
	var missing *MissingPeopleError
	var incomplete *IncompleteLocationError
	var transition *lifecycle.InvalidTransitionError
	switch {
	case errors.Is(err, ErrPeopleCount):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrAssignmentNotFound), errors.As(err, &missing):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Reference Not Found", err.Error())
	case errors.Is(err, ErrAssignmentJobMismatch):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Mismatch", err.Error())
	case errors.As(err, &incomplete):
		httpx.Problem(w, http.StatusConflict, "Locations Pending", err.Error())
	case errors.As(err, &transition), errors.Is(err, lifecycle.ErrAlreadyStarted):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	default:
		h.logger.Error("close assignment", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
