package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/autoremediate/autoremediate/internal/apperr"
)

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// jsonErrorFromProvider maps an error surfaced by a repoconn/provider
// call to an HTTP status using its apperr.Kind when present, falling
// back to fallback for an error this package doesn't classify (e.g. a
// plain database error). This keeps a GitHub/GitLab auth failure,
// rate limit, or conflict from all collapsing onto the same status
// code the way a single hardcoded jsonError call would.
func jsonErrorFromProvider(w http.ResponseWriter, err error, fallback int) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		jsonError(w, "provider request failed", fallback)
		return
	}
	switch ae.Kind {
	case apperr.KindAuthFailed:
		jsonError(w, ae.Msg, http.StatusUnauthorized)
	case apperr.KindInputRejected:
		jsonError(w, ae.Msg, http.StatusBadRequest)
	case apperr.KindConflict:
		jsonError(w, ae.Msg, http.StatusConflict)
	case apperr.KindTransient, apperr.KindProviderUnavailable:
		jsonError(w, ae.Msg, http.StatusBadGateway)
	default:
		jsonError(w, ae.Msg, fallback)
	}
}

func parsePathPositiveInt(w http.ResponseWriter, r *http.Request, key, label string) (int, bool) {
	raw := strings.TrimSpace(r.PathValue(key))
	if raw == "" {
		jsonError(w, label+" is required", http.StatusBadRequest)
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		jsonError(w, "invalid "+label, http.StatusBadRequest)
		return 0, false
	}
	return value, true
}
