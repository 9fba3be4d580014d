package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/caseflow/internal/engine"
	"github.com/pitabwire/caseflow/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Applications is the engine surface the handlers need.
type Applications interface {
	Templates() []model.TemplateInfo
	Create(ctx context.Context, rctx *model.RequestContext, typeID string, answers map[string]any) (*model.ApplicationView, error)
	Get(ctx context.Context, rctx *model.RequestContext, id string) (*model.ApplicationView, error)
	List(ctx context.Context, rctx *model.RequestContext, filter model.ListFilter) ([]model.ApplicationSummary, error)
	SubmitTransition(ctx context.Context, rctx *model.RequestContext, id string, req engine.TransitionRequest) (*model.TransitionResult, error)
	Assign(ctx context.Context, rctx *model.RequestContext, id string, assignees []string) (*model.ApplicationView, error)
	Delete(ctx context.Context, rctx *model.RequestContext, id string) error
	Events(ctx context.Context, rctx *model.RequestContext, id string) ([]model.ApplicationEvent, error)
}

func handleTemplates(apps Applications) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": apps.Templates()})
	}
}

func handleCreate(apps Applications) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type    string         `json:"type"`
			Answers map[string]any `json:"answers"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(r.Context(), w, err)
			return
		}
		if body.Type == "" {
			WriteError(r.Context(), w, model.NewBadRequestError("type is required"))
			return
		}

		view, err := apps.Create(r.Context(), model.RequestContextFrom(r.Context()), body.Type, body.Answers)
		if err != nil {
			WriteError(r.Context(), w, err)
			return
		}
		w.Header().Set("Location", "/api/applications/"+view.ID)
		WriteJSON(w, http.StatusCreated, view)
	}
}

func handleList(apps Applications) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := model.ListFilter{
			TypeID:   r.URL.Query().Get("type"),
			Page:     queryInt(r, "page", 1),
			PageSize: queryInt(r, "page_size", 0),
		}
		summaries, err := apps.List(r.Context(), model.RequestContextFrom(r.Context()), filter)
		if err != nil {
			WriteError(r.Context(), w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": summaries,
			"page": filter.Page,
		})
	}
}

func handleGet(apps Applications) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := apps.Get(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(r.Context(), w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleDelete(apps Applications) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := apps.Delete(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
			WriteError(r.Context(), w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleTransition(apps Applications) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Event            string         `json:"event"`
			Patch            map[string]any `json:"patch"`
			ExpectedModified *time.Time     `json:"expected_modified"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(r.Context(), w, err)
			return
		}
		if body.Event == "" {
			WriteError(r.Context(), w, model.NewBadRequestError("event is required"))
			return
		}

		result, err := apps.SubmitTransition(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"), engine.TransitionRequest{
			Event:            body.Event,
			Patch:            body.Patch,
			ExpectedModified: body.ExpectedModified,
		})
		if err != nil {
			writeRejection(r.Context(), w, err, result)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleAssign(apps Applications) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Assignees []string `json:"assignees"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(r.Context(), w, err)
			return
		}

		view, err := apps.Assign(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"), body.Assignees)
		if err != nil {
			WriteError(r.Context(), w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleEvents(apps Applications) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := apps.Events(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(r.Context(), w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

// decodeBody reads a JSON object into dst. An empty body leaves dst as is.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
