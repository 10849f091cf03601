package webhook

import (
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/metrics"
)

const abortedErrorKey = "webhook.error"

// abortWithError stops the handler chain and stashes the typed error for
// the response-writing middleware below, keeping HTTP-status mapping in
// exactly one place instead of duplicated at every call site.
func (s *Server) abortWithError(c *gin.Context, err *Error) {
	c.Set(abortedErrorKey, err)
	c.Abort()
}

// errorHandling centralizes error-to-HTTP-status mapping and outcome
// metrics/logging, mirroring the teacher's pkg/api/errors.go +
// middleware.go split.
func (s *Server) errorHandling() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		raw, ok := c.Get(abortedErrorKey)
		if !ok {
			metrics.WebhookRequestsTotal.WithLabelValues(c.FullPath(), "ok").Inc()
			return
		}

		var werr *Error
		if !errors.As(raw.(error), &werr) {
			werr = newErr(KindDatabase, "internal error", raw.(error))
		}

		metrics.WebhookRequestsTotal.WithLabelValues(c.FullPath(), string(werr.Kind)).Inc()

		logLevel := slog.LevelWarn
		if werr.Kind == KindDatabase || werr.Kind == KindProvider {
			logLevel = slog.LevelError
		}
		s.logger.LogAttrs(c.Request.Context(), logLevel, "webhook request failed",
			slog.String("path", c.FullPath()),
			slog.String("run_id", c.Param("run_id")),
			slog.String("kind", string(werr.Kind)),
			slog.String("error", werr.Error()),
		)

		c.JSON(httpStatus(werr.Kind), gin.H{"error": werr.Message})
	}
}

// securityHeaders sets standard response headers, generalized from the
// teacher's pkg/api/middleware.go securityHeaders.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
