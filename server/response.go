package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/teranos/scry/errors"
	"go.uber.org/zap"
)

// writeJSON encodes data as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError answers with a bare {"error": ...} body.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeWrappedError logs an error with context and writes a JSON error
// response carrying the wrapped message and any structured details.
func writeWrappedError(w http.ResponseWriter, log *zap.SugaredLogger, err error, message string, status int) {
	wrapped := errors.Wrap(err, message)
	log.Errorw(message, "error", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   wrapped.Error(),
		Details: errors.GetAllDetails(wrapped),
	})
}

// handleError maps an error to an HTTP status and writes the response.
// Not-found errors become 404, invalid input becomes 400, everything else 500.
func handleError(w http.ResponseWriter, log *zap.SugaredLogger, err error, message string) {
	switch {
	case isNotFoundError(err):
		writeWrappedError(w, log, err, message, http.StatusNotFound)
	case errors.Is(err, errors.ErrInvalidConfig):
		writeWrappedError(w, log, err, message, http.StatusBadRequest)
	case errors.Is(err, errors.ErrEngineUnavailable):
		writeWrappedError(w, log, err, message, http.StatusServiceUnavailable)
	case errors.Is(err, errors.ErrTimeout):
		writeWrappedError(w, log, err, message, http.StatusGatewayTimeout)
	default:
		writeWrappedError(w, log, err, message, http.StatusInternalServerError)
	}
}

// readJSON decodes the request body into v, answering 400 on its own when
// the body does not parse.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return err
	}
	return nil
}

// requireMethod rejects anything but the one allowed method.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// requireMethods is requireMethod for endpoints with several verbs.
func requireMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

// extractPathParts splits the path segments that follow prefix.
func extractPathParts(urlPath, prefix string) []string {
	return strings.Split(strings.TrimPrefix(urlPath, prefix), "/")
}

// parseIntQueryParam reads an integer query parameter, falling back to
// defaultValue on garbage and clamping to [min, max].
func parseIntQueryParam(r *http.Request, name string, defaultValue, min, max int) int {
	valueStr := r.URL.Query().Get(name)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	if value < min {
		return min
	}
	if value > max {
		return max
	}

	return value
}

// isNotFoundError recognizes not-found conditions whether they arrive as
// the sentinel or as bare text from a storage layer.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsNotFoundError(err) {
		return true
	}
	return strings.Contains(err.Error(), "not found")
}
