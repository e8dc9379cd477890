// Package auth carries tenant and user identity through contexts and
// resolves provider credentials for the embedding path.
package auth

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// Context keys
const (
	tenantIDKey contextKey = "tenant_id"
	userIDKey   contextKey = "user_id"
)

// WithTenantID returns a context carrying the tenant ID
func WithTenantID(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID gets the tenant ID from context, uuid.Nil when absent
func GetTenantID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(tenantIDKey).(uuid.UUID); ok {
		return v
	}
	if v, ok := ctx.Value(tenantIDKey).(string); ok {
		if id, err := uuid.Parse(v); err == nil {
			return id
		}
	}
	return uuid.Nil
}

// WithUserID returns a context carrying the user ID
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID gets the user ID from context, uuid.Nil when absent
func GetUserID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(userIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
