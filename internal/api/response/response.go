// Package response writes the JSON envelope shared by every operator endpoint.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/nkkko/informer/internal/api/errors"
	"github.com/nkkko/informer/internal/logging"
	"github.com/rs/zerolog/log"
)

// Response is the envelope of every JSON reply
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
	Meta      any    `json:"meta,omitempty"`
}

// JSON sends data with the given status
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	WithMeta(w, r, statusCode, data, nil)
}

// WithMeta sends data plus metadata such as pagination
func WithMeta(w http.ResponseWriter, r *http.Request, statusCode int, data any, meta any) {
	send(w, statusCode, Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
		Meta:      meta,
	})
}

// Error sends err rendered as an API error
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())
	apiErr := errors.FromError(err).WithRequestID(requestID)

	if apiErr.HTTPCode >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Request failed")
	}

	send(w, apiErr.HTTPCode, Response{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	})
}

func send(w http.ResponseWriter, statusCode int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}
