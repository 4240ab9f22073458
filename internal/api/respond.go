package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/safeguard/internal/compiler"
	"github.com/sells-group/safeguard/internal/dispatch"
	"github.com/sells-group/safeguard/internal/store"
	"github.com/sells-group/safeguard/internal/syncer"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			zap.L().Error("api: encode response", zap.Error(err))
		}
	}
}

// writeError maps service errors to status codes. Unrecognized errors are
// logged and reported as opaque 500s.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, dispatch.ErrJobNotRetryable):
		status = http.StatusConflict
	case errors.Is(err, compiler.ErrNoActivePolicy),
		errors.Is(err, dispatch.ErrNoTargets),
		errors.Is(err, dispatch.ErrUnknownPlatform),
		errors.Is(err, syncer.ErrCategoryNotResolved):
		status = http.StatusUnprocessableEntity
	default:
		zap.L().Error("api: internal error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid request body")
		return false
	}
	return true
}
