package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/formsync/internal/journal"
	"github.com/pitabwire/formsync/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func handleGetSave(store journal.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := store.Get(r.Context(), chi.URLParam(r, "saveId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

func handleListSaves(store journal.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		formURL := q.Get("form")
		if formURL == "" {
			WriteValidationError(w, []model.FieldError{
				{Field: "form", Code: "required", Message: "The form query parameter is required."},
			})
			return
		}

		filters := journal.Filters{Outcome: q.Get("outcome"), Limit: defaultPageSize}
		var details []model.FieldError
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				details = append(details, model.FieldError{Field: "limit", Code: "invalid", Message: "Must be a positive integer."})
			} else {
				filters.Limit = min(n, maxPageSize)
			}
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				details = append(details, model.FieldError{Field: "offset", Code: "invalid", Message: "Must be a non-negative integer."})
			} else {
				filters.Offset = n
			}
		}
		if len(details) > 0 {
			WriteValidationError(w, details)
			return
		}

		records, err := store.ListByForm(r.Context(), formURL, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		if records == nil {
			records = []journal.Record{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": records})
	}
}
