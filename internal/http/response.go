package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"budgetflow/internal/docstore"
	"budgetflow/internal/ledger"
	"budgetflow/internal/log"
	"budgetflow/internal/services"
)

type errorBody struct {
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string, fields map[string]string) {
	writeJSON(w, status, errorBody{
		Error:     msg,
		Fields:    fields,
		RequestID: w.Header().Get(requestIDHeader),
	})
}

// errorStatus maps a write error to its HTTP status. Anything unknown is a 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation),
		errors.Is(err, services.ErrStepOutOfRange),
		errors.Is(err, docstore.ErrEmptyDocument),
		errors.Is(err, docstore.ErrInvalidName):
		return http.StatusUnprocessableEntity
	case errors.Is(err, docstore.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrDocumentStore):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError answers with the mapped status. Server-side failures are
// logged and their details withheld from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := errorStatus(err)
	var verr *services.ValidationError
	var fields map[string]string
	if errors.As(err, &verr) {
		fields = verr.Fields
	}

	msg := err.Error()
	if status >= 500 {
		log.NewStructuredLogger(log.FromContext(r.Context())).
			LogError(r.Context(), "Request failed", err, op, nil)
		msg = http.StatusText(status)
		if status == http.StatusBadGateway {
			msg = "document store unavailable"
		}
	}
	writeError(w, r, status, msg, fields)
}
