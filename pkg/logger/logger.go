package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger wraps slog.Logger with additional functionality
type Logger struct {
	*slog.Logger
}

// New creates a new logger instance
func New() *Logger {
	level := getLogLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Text in development, JSON everywhere else
	var handler slog.Handler
	if gin.Mode() == gin.DebugMode {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewWithWriter creates a JSON logger writing to w
func NewWithWriter(w io.Writer, level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})),
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewWithWriter(io.Discard, slog.LevelError+1)
}

// getLogLevel converts string to slog.Level
func getLogLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID adds request ID to logger context
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("request_id", requestID)),
	}
}

// WithHolderID adds the seat holder to logger context
func (l *Logger) WithHolderID(holderID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("holder_id", holderID)),
	}
}

// WithComponent tags every record with the emitting component
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("component", name)),
	}
}

// HTTP logging methods

// LogHTTPRequest logs an HTTP request
func (l *Logger) LogHTTPRequest(c *gin.Context, duration time.Duration) {
	l.Logger.InfoContext(c.Request.Context(),
		"HTTP Request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
		slog.Int("status", c.Writer.Status()),
		slog.Duration("duration", duration),
		slog.String("ip", c.ClientIP()),
		slog.String("user_agent", c.Request.UserAgent()),
		slog.Int("size", c.Writer.Size()),
	)
}

// LogHTTPError logs an HTTP error
func (l *Logger) LogHTTPError(c *gin.Context, err error, statusCode int) {
	l.Logger.ErrorContext(c.Request.Context(),
		"HTTP Error",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int("status", statusCode),
		slog.String("error", err.Error()),
		slog.String("ip", c.ClientIP()),
	)
}

// Seat logging methods

// LogSeatEvent logs a seat state change at debug level. Empty ids are left out.
func (l *Logger) LogSeatEvent(ctx context.Context, event, tripID, seatID, holderID, bookingID, reason string, version uint64) {
	if !l.Logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	args := []interface{}{
		slog.String("event", event),
		slog.String("trip_id", tripID),
		slog.String("seat_id", seatID),
		slog.Uint64("version", version),
	}
	for _, kv := range [][2]string{{"holder_id", holderID}, {"booking_id", bookingID}, {"reason", reason}} {
		if kv[1] != "" {
			args = append(args, slog.String(kv[0], kv[1]))
		}
	}
	l.Logger.DebugContext(ctx, "Seat Event", args...)
}

// LogLocksReaped logs a reaper sweep that freed locks
func (l *Logger) LogLocksReaped(ctx context.Context, count int, duration time.Duration) {
	l.Logger.InfoContext(ctx,
		"Expired Locks Reaped",
		slog.Int("count", count),
		slog.Duration("duration", duration),
	)
}

// Booking logging methods

// LogBookingCreated logs when a booking is created
func (l *Logger) LogBookingCreated(ctx context.Context, bookingID, tripID, holderID string) {
	l.Logger.InfoContext(ctx,
		"Booking Created",
		slog.String("booking_id", bookingID),
		slog.String("trip_id", tripID),
		slog.String("holder_id", holderID),
	)
}

// LogBookingTransition logs a booking status change
func (l *Logger) LogBookingTransition(ctx context.Context, bookingID, from, to, reason string) {
	l.Logger.InfoContext(ctx,
		"Booking Transition",
		slog.String("booking_id", bookingID),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	)
}

// Payment logging methods

// LogPaymentSignal logs an incoming payment signal
func (l *Logger) LogPaymentSignal(ctx context.Context, bookingID, providerRef, source, outcome string) {
	l.Logger.InfoContext(ctx,
		"Payment Signal",
		slog.String("booking_id", bookingID),
		slog.String("provider_ref", providerRef),
		slog.String("source", source),
		slog.String("outcome", outcome),
	)
}

// LogRefundRequested logs when a refund is scheduled
func (l *Logger) LogRefundRequested(ctx context.Context, bookingID, providerRef, reason string) {
	l.Logger.WarnContext(ctx,
		"Refund Requested",
		slog.String("booking_id", bookingID),
		slog.String("provider_ref", providerRef),
		slog.String("reason", reason),
	)
}

// Security logging methods

// LogAuthFailure logs failed authentication
func (l *Logger) LogAuthFailure(ctx context.Context, reason, ip string) {
	l.Logger.WarnContext(ctx,
		"Authentication Failure",
		slog.String("reason", reason),
		slog.String("ip", ip),
	)
}

// LogRateLimitExceeded logs rate limit exceeded
func (l *Logger) LogRateLimitExceeded(ctx context.Context, ip, endpoint string) {
	l.Logger.WarnContext(ctx,
		"Rate Limit Exceeded",
		slog.String("ip", ip),
		slog.String("endpoint", endpoint),
	)
}

// Helper methods for common patterns

func (l *Logger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Logger.InfoContext(ctx, msg, attrs(fields)...)
}

// ErrorWithContext logs err under "error" next to fields
func (l *Logger) ErrorWithContext(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	args := append([]interface{}{slog.String("error", err.Error())}, attrs(fields)...)
	l.Logger.ErrorContext(ctx, msg, args...)
}

func (l *Logger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Logger.DebugContext(ctx, msg, attrs(fields)...)
}

func attrs(fields map[string]interface{}) []interface{} {
	args := make([]interface{}, 0, len(fields))
	for k, v := range fields {
		args = append(args, slog.Any(k, v))
	}
	return args
}

// Global logger instance (can be replaced with dependency injection)
var defaultLogger = New()

// GetDefault returns the default logger instance
func GetDefault() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger instance
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
