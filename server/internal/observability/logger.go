package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/chatsync/server/auth"
)

const (
	// LogFieldRequestID is the field name for request ID.
	LogFieldRequestID = "request_id"
	// LogFieldUserID is the field name for user ID.
	LogFieldUserID = "user_id"
	// LogFieldRoute is the field name for the matched route.
	LogFieldRoute = "route"
	// LogFieldMethod is the field name for the HTTP method.
	LogFieldMethod = "method"
	// LogFieldStatus is the field name for the response status.
	LogFieldStatus = "status"
	// LogFieldDuration is the field name for duration in milliseconds.
	LogFieldDuration = "duration_ms"
)

// RequestContext represents the context for a single request with structured logging.
type RequestContext struct {
	RequestID string
	StartTime time.Time
	Logger    *slog.Logger
}

// NewRequestContext creates a new request context with a generated request ID.
func NewRequestContext(logger *slog.Logger) *RequestContext {
	return NewRequestContextWithID(logger, generateRequestID())
}

// NewRequestContextWithID creates a new request context with a specific request ID.
func NewRequestContextWithID(logger *slog.Logger, requestID string) *RequestContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestContext{
		RequestID: requestID,
		StartTime: time.Now(),
		Logger:    logger,
	}
}

// WithFields returns a new logger with the request id and additional fields.
func (r *RequestContext) WithFields(attrs ...slog.Attr) *slog.Logger {
	result := make([]any, 0, len(attrs)+1)
	result = append(result, slog.String(LogFieldRequestID, r.RequestID))
	for _, attr := range attrs {
		result = append(result, attr)
	}
	return r.Logger.With(result...)
}

// Info logs an info message.
func (r *RequestContext) Info(msg string, attrs ...slog.Attr) {
	r.log(slog.LevelInfo, msg, attrs...)
}

// Warn logs a warning message.
func (r *RequestContext) Warn(msg string, attrs ...slog.Attr) {
	r.log(slog.LevelWarn, msg, attrs...)
}

// Error logs an error message with the error.
func (r *RequestContext) Error(msg string, err error, attrs ...slog.Attr) {
	r.log(slog.LevelError, msg, append(attrs, slog.String("error", err.Error()))...)
}

func (r *RequestContext) log(level slog.Level, msg string, attrs ...slog.Attr) {
	combined := append([]slog.Attr{slog.String(LogFieldRequestID, r.RequestID)}, attrs...)
	r.Logger.LogAttrs(context.Background(), level, msg, combined...)
}

// Duration returns the elapsed time since the request started.
func (r *RequestContext) Duration() time.Duration {
	return time.Since(r.StartTime)
}

func generateRequestID() string {
	return uuid.New().String()
}

type ctxKey struct{}

// WithRequestContext adds the request context to the context.
func WithRequestContext(ctx context.Context, reqCtx *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, reqCtx)
}

// FromContext extracts the request context from the context.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	reqCtx, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return reqCtx, ok
}

// LoggerFromContext returns the request-scoped logger, or slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if reqCtx, ok := FromContext(ctx); ok {
		return reqCtx.WithFields()
	}
	return slog.Default()
}

// Middleware attaches a RequestContext to every request and echoes its id
// in the X-Request-Id response header. An incoming X-Request-Id is kept.
func Middleware(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = generateRequestID()
			}
			reqCtx := NewRequestContextWithID(logger, requestID)
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)
			c.SetRequest(req.WithContext(WithRequestContext(req.Context(), reqCtx)))
			return next(c)
		}
	}
}

// RequestLogger logs one line per completed request and records it in metrics.
// It must run after Middleware.
func RequestLogger(metrics *Metrics) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogRoutePath: true,
		LogLatency:   true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			route := v.RoutePath
			if route == "" {
				route = c.Request().URL.Path
			}
			if metrics != nil {
				metrics.RecordRequest(route, v.Latency, v.Status >= 500)
			}

			reqCtx, ok := FromContext(c.Request().Context())
			if !ok {
				reqCtx = NewRequestContext(slog.Default())
			}
			attrs := []slog.Attr{
				slog.String(LogFieldMethod, v.Method),
				slog.String(LogFieldRoute, route),
				slog.Int(LogFieldStatus, v.Status),
				slog.Int64(LogFieldDuration, v.Latency.Milliseconds()),
			}
			if userID := auth.GetUserID(c.Request().Context()); userID != 0 {
				attrs = append(attrs, slog.Int64(LogFieldUserID, int64(userID)))
			}
			switch {
			case v.Error != nil:
				reqCtx.Error("request failed", v.Error, attrs...)
			case v.Status >= 500:
				reqCtx.Warn("request failed", attrs...)
			default:
				reqCtx.Info("request completed", attrs...)
			}
			return nil
		},
	})
}
