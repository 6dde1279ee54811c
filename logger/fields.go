package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across drover.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldRequestID = "request_id"
	FieldUserID    = "user_id"

	// Components
	FieldComponent = "component"
	FieldSymbol    = "symbol"

	// Materials
	FieldFingerprint = "fingerprint"
	FieldMaterial    = "material"
	FieldMaterialURI = "material_uri"
	FieldRevision    = "revision"
	FieldMessageID   = "message_id"
	FieldQueue       = "queue"

	// Pipelines
	FieldPipeline = "pipeline"
	FieldCounter  = "counter"
	FieldOrder    = "natural_order"

	// Agents
	FieldAgentUUID = "agent_uuid"
	FieldHostname  = "hostname"
	FieldElasticID = "elastic_agent_id"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldInterval   = "interval"

	// Errors
	FieldError = "error"

	// Counts and status
	FieldCount  = "count"
	FieldStatus = "status"
	FieldState  = "state"

	// Network
	FieldAddress = "address"
	FieldURL     = "url"
	FieldMethod  = "method"
	FieldPath    = "path"
)

// Context keys for propagating logging context
type contextKey string

const (
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Coordinator struct {
//	    log *zap.SugaredLogger
//	}
//
//	func NewCoordinator() *Coordinator {
//	    return &Coordinator{
//	        log: logger.ComponentLogger("mdu"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
