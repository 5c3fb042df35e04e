package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/logger"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return err
	}
	return nil
}

// statusFor maps an error to its HTTP status by sentinel
func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err with the status its sentinel calls for.
// Server errors are logged with context; client errors are not.
func handleError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorw(context, logger.FieldError, err, logger.FieldStatus, status)
		writeError(w, status, fmt.Sprintf("%s: %v", context, err))
		return
	}
	writeError(w, status, err.Error())
}

// parseIntQueryParam extracts an integer query parameter with validation
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

// parseBoolQueryParam reads a boolean query parameter, defaultValue when absent
func parseBoolQueryParam(r *http.Request, name string, defaultValue bool) (bool, error) {
	valueStr := r.URL.Query().Get(name)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, errors.NewInvalidRequestError("%s must be a boolean", name)
	}
	return value, nil
}

// formInt reads an integer form field, defaultValue when absent
func formInt(r *http.Request, name string, defaultValue int) (int, error) {
	valueStr := r.FormValue(name)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.NewInvalidRequestError("%s must be an integer", name)
	}
	return value, nil
}

// formBool reads a boolean form field, defaultValue when absent
func formBool(r *http.Request, name string, defaultValue bool) (bool, error) {
	valueStr := r.FormValue(name)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, errors.NewInvalidRequestError("%s must be a boolean", name)
	}
	return value, nil
}

// shortID truncates an ID to 8 characters for logging
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
