package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

// HandleHealth reports liveness, answering 503 when ping fails.
func HandleHealth(logger *zap.Logger, ping func(ctx context.Context) error) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(contextGin.Request.Context(), healthCheckTimeout)
			defer cancel()
			if err := ping(ctx); err != nil {
				logger.Error("health check failed",
					zap.String("code", "api.healthz.database"),
					zap.Error(err))
				contextGin.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
