package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const xRequestIDHeader = "X-Request-ID"

// apiError is the body of every failed dashboard or bridge response
type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// ginReplyOK sends fields with HTTP 200, adding `"success": true`
func ginReplyOK(c *gin.Context, fields gin.H) {
	if fields == nil {
		fields = gin.H{}
	}
	fields["success"] = true
	c.JSON(http.StatusOK, fields)
}

// ginReplyError aborts the request with the given status and a
// `{"success": false, "error": msg}` body
func ginReplyError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, apiError{Error: msg})
}

// ginReplyStoreError maps store errors to a response: ErrNotFound becomes
// a 404, user errors a 400, anything else is logged and becomes a 500
func ginReplyStoreError(c *gin.Context, err error) {
	var userErr *UserError
	switch {
	case errors.Is(err, ErrNotFound):
		ginReplyError(c, http.StatusNotFound, "not found")
	case errors.As(err, &userErr):
		ginReplyError(c, http.StatusBadRequest, userErr.Message)
	default:
		ginContextLogger(c).ErrorContext(c, "request failed", tint.Err(err))
		_ = c.Error(err)
		ginReplyError(c, http.StatusInternalServerError, "internal server error")
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// echoes it in the X-Request-ID response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}

	base := slog.Default()
	if logger, ok := c.Get(string(baseLoggerContextKey)); ok {
		if l, ok := logger.(*slog.Logger); ok {
			base = l
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it finishes, with its
// duration and response status. logger becomes the base for
// ginContextLogger.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if logger != nil {
			c.Set(string(baseLoggerContextKey), logger)
		}
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// listen returns ln if it's already set, otherwise a new listener on
// network/addr
func listen(ctx context.Context, ln net.Listener, network string, addr string) (
	net.Listener,
	error,
) {
	if ln != nil {
		return ln, nil
	}
	if network == "" {
		network = defaultListenNetwork
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s %s: %w", network, addr, err)
	}
	return ln, nil
}
