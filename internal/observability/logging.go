package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

type loggerKey struct{}

// NewLogger builds the service logger: JSON to stdout at the configured
// level, info when the level does not parse.
//
// Levels:
//   - error: store or action infrastructure failures, panics, 5xx responses
//   - warn:  deferred or retried side effects, breaker trips, rejected reloads
//   - info:  committed transitions, creations and deletions, prune runs
//   - debug: idempotency hits, resolved roles, redacted answer patches
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder.EncodeDuration = zapcore.MillisDurationEncoder

	return zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger annotated with the caller's
// identity and correlation IDs.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", rctx.TenantID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// Redacted is the placeholder written in place of a sensitive value.
const Redacted = "[REDACTED]"

// personalFields are answer keys that identify a person or grant access and
// never appear in logs. Matching ignores case.
var personalFields = []string{
	"password", "secret", "token", "pin",
	"national_id", "nationalid", "ssn", "passport", "passport_number",
	"date_of_birth", "dateofbirth", "tax_id", "taxid",
	"iban", "bank_account", "bankaccount", "card_number", "cardnumber",
}

// RedactAnswers returns a deep copy of answers with personal values
// replaced by Redacted. extra adds template-specific keys. Arrays are
// walked so that repeated sections are redacted too.
func RedactAnswers(answers map[string]any, extra ...string) map[string]any {
	if answers == nil {
		return nil
	}
	keys := make(map[string]struct{}, len(personalFields)+len(extra))
	for _, k := range personalFields {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return redactMap(answers, keys)
}

func redactMap(m map[string]any, keys map[string]struct{}) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, hit := keys[strings.ToLower(k)]; hit {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keys)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, keys)
		}
		return out
	default:
		return v
	}
}
