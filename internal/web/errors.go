package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/stravasync/internal/activities"
	"github.com/tyemirov/stravasync/internal/activitysync"
	"github.com/tyemirov/stravasync/internal/tokens"
	"go.uber.org/zap"
)

const (
	codeInvalidRequest = "invalid_request"
	codeInternal       = "internal_error"
)

type errorMapping struct {
	target error
	status int
}

var errorMappings = []errorMapping{
	{target: tokens.ErrAuthenticationRequired, status: http.StatusUnauthorized},
	{target: tokens.ErrNotConnected, status: http.StatusConflict},
	{target: tokens.ErrReauthenticationRequired, status: http.StatusConflict},
	{target: tokens.ErrRefreshUnavailable, status: http.StatusBadGateway},
	{target: activitysync.ErrRateLimitExceeded, status: http.StatusTooManyRequests},
	{target: activitysync.ErrExternalAPI, status: http.StatusBadGateway},
	{target: activities.ErrActivityNotFound, status: http.StatusNotFound},
	{target: activities.ErrMissingRequiredFields, status: http.StatusUnprocessableEntity},
}

// statusFor maps a domain error onto an HTTP status and the sentinel code reported to clients.
func statusFor(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.target.Error()
		}
	}
	return http.StatusInternalServerError, codeInternal
}

func respondError(contextGin *gin.Context, logger *zap.Logger, operation string, err error) {
	status, code := statusFor(err)
	fields := []zap.Field{
		zap.String("code", operation),
		zap.String("user_id", userIDOf(contextGin)),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
	} else {
		logger.Warn("request rejected", fields...)
	}
	body := gin.H{"error": code}
	var missing *activities.MissingFieldsError
	if errors.As(err, &missing) {
		body["missing_fields"] = missing.Fields
		body["message"] = missing.Error()
	}
	contextGin.AbortWithStatusJSON(status, body)
}

func respondInvalid(contextGin *gin.Context, message string) {
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest, "message": message})
}
