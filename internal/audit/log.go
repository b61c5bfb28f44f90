// Package audit emits structured audit events for account and token
// lifecycle changes. Events go to the shared log stream tagged type=audit so
// they can be filtered out downstream.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/St1453/algofinstatix/internal/auth"
	"github.com/St1453/algofinstatix/internal/obs"
)

// Event names recorded by the service.
const (
	EventUserRegistered       = "user.registered"
	EventUserLogin            = "user.login"
	EventUserLoginFailed      = "user.login_failed"
	EventUserLogout           = "user.logout"
	EventUserLogoutAll        = "user.logout_all"
	EventEmailVerified        = "user.email_verified"
	EventPasswordResetRequest = "user.password_reset_requested"
	EventPasswordResetDone    = "user.password_reset_completed"
	EventTokenRefreshed       = "token.refreshed"
	EventTokenReplayDetected  = "token.replay_detected"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID := auth.UserIDFromContext(ctx); userID != "" {
		entry["user_id"] = userID
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
