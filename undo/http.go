package undo

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fieldline/audittrail/audit"
	"github.com/fieldline/audittrail/http/response"
)

type Handler struct {
	advisor  *Advisor
	resolver *audit.ActorResolver
	logger   *slog.Logger
}

func NewHandler(advisor *Advisor, resolver *audit.ActorResolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{advisor: advisor, resolver: resolver, logger: logger}
}

// CanUndo answers eligibility without side effects. A "no" is a 200 with
// the reason, not an error status.
func (h *Handler) CanUndo(w http.ResponseWriter, r *http.Request) {
	verdict, err := h.advisor.CanUndo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, verdict)
}

// Undo creates the compensating event.
func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	actor := h.resolver.Resolve(r)

	ev, err := h.advisor.CreateUndoEvent(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, ev)
}

func (h *Handler) ListUndoable(w http.ResponseWriter, r *http.Request) {
	events, err := h.advisor.ListUndoable(r.Context(),
		chi.URLParam(r, "collection"),
		chi.URLParam(r, "id"),
	)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	response.JSON(w, r, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotUndoable) {
		response.ErrorProblem(w, r, http.StatusUnprocessableEntity, "Not Undoable", err.Error(), nil)
		return
	}
	h.logger.ErrorContext(r.Context(), "undo request failed", "error", err, "path", r.URL.Path)
	response.ErrorProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "", nil)
}
