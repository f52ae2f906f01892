package logger

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
)

type contextKey string

const (
	ctxRID      contextKey = "rid"
	ctxPlatform contextKey = "platform"
	ctxUserID   contextKey = "user_id"
	ctxSession  contextKey = "session_id"
	ctxHandler  contextKey = "handler"
	ctxLogger   contextKey = "logger"
)

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(key).(string)
	return s
}

// WithLogger stores log in ctx for propagation across layers.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxLogger, log)
}

// FromContext extracts the logger from ctx or returns L.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return L
	}
	if l, ok := ctx.Value(ctxLogger).(*slog.Logger); ok && l != nil {
		return l
	}
	return L
}

// WithRID attaches a correlation id (webhook event id or update id).
func WithRID(ctx context.Context, rid string) context.Context { return withString(ctx, ctxRID, rid) }

// RIDFrom returns the correlation id carried by ctx.
func RIDFrom(ctx context.Context) string { return stringFrom(ctx, ctxRID) }

// WithPlatform records which chat platform delivered the event.
func WithPlatform(ctx context.Context, platform string) context.Context {
	return withString(ctx, ctxPlatform, platform)
}

// PlatformFrom returns the platform name carried by ctx.
func PlatformFrom(ctx context.Context) string { return stringFrom(ctx, ctxPlatform) }

// WithUser attaches the platform user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return withString(ctx, ctxUserID, userID)
}

// UserIDFrom returns the platform user id carried by ctx.
func UserIDFrom(ctx context.Context) string { return stringFrom(ctx, ctxUserID) }

// WithSession attaches the report session id.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return withString(ctx, ctxSession, sessionID)
}

// SessionIDFrom returns the report session id carried by ctx.
func SessionIDFrom(ctx context.Context) string { return stringFrom(ctx, ctxSession) }

// WithHandler stores handler identifier in context for downstream logs.
func WithHandler(ctx context.Context, handler string) context.Context {
	return withString(ctx, ctxHandler, handler)
}

// HandlerFrom returns handler identifier from context if present.
func HandlerFrom(ctx context.Context) string { return stringFrom(ctx, ctxHandler) }

// Sanitize drops control and format runes from s, keeping tab and newline.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SanitizeLimit applies Sanitize and caps the result at max runes.
func SanitizeLimit(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(Sanitize(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max])
}

// CompactRID keeps the trailing 12 characters of long correlation ids.
// LINE webhook event ids are 26-character ULIDs whose tail carries the entropy.
func CompactRID(rid string) string {
	rid = strings.TrimSpace(rid)
	const keep = 12
	if len(rid) <= keep+4 {
		return rid
	}
	return rid[len(rid)-keep:]
}
