package query

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fieldline/audittrail/audit"
	"github.com/fieldline/audittrail/http/response"
	"github.com/fieldline/audittrail/store"
)

// Handler exposes the read API. All endpoints are query-path: errors here
// are user-visible, unlike anything on the write path.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

type pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type eventPage struct {
	Events     []audit.Event `json:"events"`
	Pagination pagination    `json:"pagination"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		response.ErrorProblem(w, r, http.StatusBadRequest, "Invalid Filter", err.Error(), nil)
		return
	}

	events, total, page, err := h.svc.ListEvents(r.Context(), filter, pageFromQuery(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, eventPage{
		Events:     events,
		Pagination: pagination{Page: page.Number, PageSize: page.Size, Total: total},
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ev, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, ev)
}

func (h *Handler) Trail(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")
	includeReads := r.URL.Query().Get("includeReads") == "true"

	events, total, page, err := h.svc.EntityTrail(r.Context(), collection, id, includeReads, pageFromQuery(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, eventPage{
		Events:     events,
		Pagination: pagination{Page: page.Number, PageSize: page.Size, Total: total},
	})
}

func (h *Handler) FieldHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.FieldHistory(r.Context(),
		chi.URLParam(r, "collection"),
		chi.URLParam(r, "id"),
		chi.URLParam(r, "field"),
	)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]interface{}{
		"field":   chi.URLParam(r, "field"),
		"history": history,
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		response.ErrorProblem(w, r, http.StatusBadRequest, "Invalid Filter", err.Error(), nil)
		return
	}

	stats, err := h.svc.Stats(r.Context(), filter)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, stats)
}

func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.ErrorProblem(w, r, http.StatusBadRequest, "Invalid Limit", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	events, err := h.svc.Recent(r.Context(), limit)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		response.ErrorProblem(w, r, http.StatusBadRequest, "Invalid Filter", err.Error(), nil)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-events.csv"`)
		if err := h.svc.ExportCSV(r.Context(), filter, w); err != nil {
			// Headers are gone; all we can do is log.
			h.logger.ErrorContext(r.Context(), "csv export aborted mid-stream", "error", err)
		}
	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-events.json"`)
		if err := h.svc.ExportJSON(r.Context(), filter, w); err != nil {
			h.logger.ErrorContext(r.Context(), "json export aborted mid-stream", "error", err)
		}
	default:
		response.ErrorProblem(w, r, http.StatusBadRequest, "Invalid Format", "format must be csv or json", nil)
	}
}

type purgeRequest struct {
	OlderThanDays int    `json:"olderThanDays"`
	MaxSeverity   string `json:"maxSeverity"`
}

func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := decodeJSON(r, &req); err != nil {
		response.ErrorProblem(w, r, http.StatusBadRequest, "Invalid Body", err.Error(), nil)
		return
	}

	maxSeverity := audit.SeverityMedium
	if req.MaxSeverity != "" {
		s, ok := audit.ParseSeverity(req.MaxSeverity)
		if !ok {
			response.ErrorProblem(w, r, http.StatusBadRequest, "Invalid Severity", "maxSeverity must be one of low, medium, high, critical", nil)
			return
		}
		maxSeverity = s
	}

	purged, err := h.svc.PurgeOlderThan(r.Context(), req.OlderThanDays, maxSeverity)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]interface{}{"purged": purged})
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.ErrorProblem(w, r, http.StatusNotFound, "Event Not Found", "no event with that id", nil)
	default:
		h.logger.ErrorContext(r.Context(), "audit query failed", "error", err, "path", r.URL.Path)
		response.ErrorProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "", nil)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func pageFromQuery(r *http.Request) store.Page {
	q := r.URL.Query()
	page := store.Page{Number: 1, Size: 50}
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		page.Number = n
	}
	if n, err := strconv.Atoi(q.Get("pageSize")); err == nil && n > 0 {
		page.Size = n
	}
	return page
}

func filterFromQuery(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()

	filter := store.Filter{
		ActorID:          q.Get("actorId"),
		ActorEmail:       q.Get("actorEmail"),
		Domain:           q.Get("domain"),
		Action:           q.Get("action"),
		TargetCollection: q.Get("collection"),
		TargetID:         q.Get("targetId"),
		CorrelationID:    q.Get("correlationId"),
		Result:           q.Get("result"),
	}

	if raw := q.Get("severity"); raw != "" {
		s, ok := audit.ParseSeverity(raw)
		if !ok {
			return store.Filter{}, errors.New("severity must be one of low, medium, high, critical")
		}
		filter.Severity = s
	}

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.Filter{}, errors.New("from must be RFC3339")
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.Filter{}, errors.New("to must be RFC3339")
		}
		filter.To = t
	}

	return filter, nil
}
