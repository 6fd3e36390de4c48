package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"session-service/internal/ratelimit"
	"session-service/internal/service"
	"session-service/internal/util"
)

// Response represents a standard API response
type Response struct {
	Success    bool              `json:"success"`
	Data       interface{}       `json:"data,omitempty"`
	Error      string            `json:"error,omitempty"`
	Message    string            `json:"message,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
	RetryAfter int               `json:"retryAfter,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func respondWithJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError renders any pipeline error. Internal detail stays in the log.
func respondWithError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var ae *service.AuthError
	if !errors.As(err, &ae) {
		logger.Error("unexpected handler error", util.ErrorField(err))
		ae = &service.AuthError{Status: http.StatusInternalServerError, Code: "internal_error", Message: service.MsgInternal}
	}
	if ae.RateLimit != nil {
		ratelimit.AddHeaders(w, *ae.RateLimit)
	}
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	}

	logger.Warn("HTTP error response",
		util.Int("status_code", ae.Status),
		util.String("code", ae.Code),
		util.String("reason", ae.Reason))

	respondWithJSON(w, logger, ae.Status, Response{
		Success:    false,
		Error:      ae.Code,
		Message:    ae.Message,
		Errors:     ae.Fields,
		RetryAfter: ae.RetryAfter,
	})
}

func badRequest(w http.ResponseWriter, logger *zap.Logger, message string) {
	respondWithError(w, logger, &service.AuthError{
		Status:  http.StatusBadRequest,
		Code:    "invalid_request",
		Message: message,
	})
}
