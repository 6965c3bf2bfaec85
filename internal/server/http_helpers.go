package server

import (
	"log/slog"
	"net/http"

	"vidhub/internal/api/response"
	"vidhub/internal/observability/logging"
)

// writeMiddlewareError answers with the same envelope the handlers use.
func writeMiddlewareError(w http.ResponseWriter, status int, code response.Code) {
	response.Error(w, status, code)
}

func loggerWithRequest(r *http.Request, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = logging.Discard()
	}
	return logging.FromContext(r.Context(), logger)
}
