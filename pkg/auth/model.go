package auth

import "context"

type contextKey string

const ActorKey contextKey = "actor"

// Anonymous is the actor recorded when authentication is disabled.
const Anonymous = "anonymous"

func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// ActorFromContext returns the authenticated username, or Anonymous.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(ActorKey).(string); ok && actor != "" {
		return actor
	}
	return Anonymous
}
