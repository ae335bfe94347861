package contextx

import (
	"context"
)

type contextKey string

const (
	TraceIDKey   contextKey = "audittrail.trace_id"
	RequestIDKey contextKey = "audittrail.request_id"

	PrincipalIDKey    contextKey = "audittrail.principal_id"
	PrincipalEmailKey contextKey = "audittrail.principal_email"
	PrincipalNameKey  contextKey = "audittrail.principal_name"
	PrincipalRolesKey contextKey = "audittrail.principal_roles"

	ContactIDKey     contextKey = "audittrail.contact_id"
	ContactEmailKey  contextKey = "audittrail.contact_email"
	ContactNameKey   contextKey = "audittrail.contact_name"
	ContractorIDKey  contextKey = "audittrail.contractor_id"
	CorrelationIDKey contextKey = "audittrail.correlation_id"
)

func GetTraceID(ctx context.Context) string { return getString(ctx, TraceIDKey, "untriaged") }
func WithTraceID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, TraceIDKey, v)
}

func GetRequestID(ctx context.Context) string { return getString(ctx, RequestIDKey, "") }
func WithRequestID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, RequestIDKey, v)
}

func GetPrincipalID(ctx context.Context) string { return getString(ctx, PrincipalIDKey, "") }
func WithPrincipalID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, PrincipalIDKey, v)
}

func GetPrincipalEmail(ctx context.Context) string { return getString(ctx, PrincipalEmailKey, "") }
func WithPrincipalEmail(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, PrincipalEmailKey, v)
}

func GetPrincipalName(ctx context.Context) string { return getString(ctx, PrincipalNameKey, "") }
func WithPrincipalName(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, PrincipalNameKey, v)
}

func GetPrincipalRoles(ctx context.Context) []string { return getStringSlice(ctx, PrincipalRolesKey) }
func WithPrincipalRoles(ctx context.Context, v []string) context.Context {
	return context.WithValue(ctx, PrincipalRolesKey, v)
}

func GetContactID(ctx context.Context) string { return getString(ctx, ContactIDKey, "") }
func WithContactID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, ContactIDKey, v)
}

func GetContactEmail(ctx context.Context) string { return getString(ctx, ContactEmailKey, "") }
func WithContactEmail(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, ContactEmailKey, v)
}

func GetContactName(ctx context.Context) string { return getString(ctx, ContactNameKey, "") }
func WithContactName(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, ContactNameKey, v)
}

func GetContractorID(ctx context.Context) string { return getString(ctx, ContractorIDKey, "") }
func WithContractorID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, ContractorIDKey, v)
}

func GetCorrelationID(ctx context.Context) string { return getString(ctx, CorrelationIDKey, "") }
func WithCorrelationID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, v)
}

func getString(ctx context.Context, key contextKey, fallback string) string {
	if ctx == nil {
		return fallback
	}
	if val, ok := ctx.Value(key).(string); ok {
		return val
	}
	return fallback
}

func getStringSlice(ctx context.Context, key contextKey) []string {
	if ctx == nil {
		return nil
	}
	if val, ok := ctx.Value(key).([]string); ok {
		return val
	}
	return nil
}
