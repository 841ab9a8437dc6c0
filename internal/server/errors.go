package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/dataspecer/dsgit/internal/errors"
	"github.com/dataspecer/dsgit/internal/log"
)

func statusOf(err error) int {
	switch {
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.ErrBadRequest), errors.Is(err, errors.ErrValidation), errors.Is(err, errors.ErrProviderUnknown):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrConflictStillUnresolved), errors.Is(err, errors.ErrFinalizeInProgress):
		return http.StatusConflict
	case errors.Is(err, errors.ErrStrategyNotApplicable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errors.ErrGitOperation):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondJSONError writes {"message", "statusCode"}. Git and internal failures
// get a generic message; the full chain is logged.
func respondJSONError(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusOf(err)
	l := log.From(ctx)

	data := map[string]any{
		"message":    err.Error(),
		"statusCode": code,
	}
	switch code {
	case http.StatusBadGateway:
		data["message"] = errors.ErrGitOperation.Error()
		if class := errors.GitClass(err); class != "" {
			data["failureClass"] = class.Error()
		}
		l.Error("request failed", zap.Error(err), zap.String("stack", fmt.Sprintf("%+v", err)))
	case http.StatusInternalServerError:
		data["message"] = "internal server error"
		l.Error("request failed", zap.Error(err), zap.String("stack", fmt.Sprintf("%+v", err)))
	default:
		l.Warn("request failed", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if jsonError := json.NewEncoder(w).Encode(data); jsonError != nil {
		l.Error("failed to encode JSON error response", zap.Error(jsonError))
	}
}

func respondJSON(ctx context.Context, w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.From(ctx).Error("failed to encode JSON response", zap.Error(err))
	}
	return nil
}
