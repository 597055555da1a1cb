package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"tradebot-signals/internal/engine"
	"tradebot-signals/internal/model"
)

type requestError string

func (e requestError) Error() string { return string(e) }

func badRequest(msg string) error { return requestError(msg) }

// statusFor maps the engine's error kinds onto HTTP status codes.
func statusFor(err error) int {
	var re requestError
	switch {
	case errors.As(err, &re),
		errors.Is(err, model.ErrInvalidParameter),
		errors.Is(err, model.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrOutOfRange), errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientData):
		return http.StatusConflict
	case errors.Is(err, engine.ErrStopped), errors.Is(err, model.ErrFetchFailure):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}
