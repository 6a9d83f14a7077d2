package httpadapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	sharedobs.WriteJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// statusOf maps the engine error taxonomy onto HTTP statuses.
func statusOf(err error) int {
	switch domain.KindOf(err) {
	case "invalid_argument":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "invalid_state", "conflict":
		return http.StatusConflict
	case "unavailable":
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	kind := domain.KindOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		a.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	} else {
		a.logger.Log(r.Context(), slog.LevelDebug, "request rejected", "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeError(w, status, kind, msg)
}
