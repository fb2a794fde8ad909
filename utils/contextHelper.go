package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/billing_backend/appctx"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyUserId        = appctx.ContextKeyUserId
	ContextKeyUsername      = appctx.ContextKeyUsername
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyUserRole      = appctx.ContextKeyUserRole
	ContextKeySystemActor   = appctx.ContextKeySystemActor
)

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyUserId)
}

func GetUsernameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUsername)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetUserRoleFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserRole)
}

func IsSystemActor(ctx context.Context) bool {
	v, ok := appctx.GetBool(ctx, ContextKeySystemActor)
	return ok && v
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetUsernameInContext(ctx context.Context, username string) context.Context {
	return appctx.Set(ctx, ContextKeyUsername, username)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetUserRoleInContext(ctx context.Context, role string) context.Context {
	return appctx.Set(ctx, ContextKeyUserRole, role)
}

func SetSystemActorInContext(ctx context.Context) context.Context {
	return appctx.Set(ctx, ContextKeySystemActor, true)
}

// ActingUserId returns a nullable user id for audit columns. System-driven
// flows (webhooks, sweeps) carry no user, so the column stays NULL.
func ActingUserId(ctx context.Context) *int {
	if IsSystemActor(ctx) {
		return nil
	}
	if id, ok := GetUserIdFromContext(ctx); ok && id > 0 {
		return &id
	}
	return nil
}
