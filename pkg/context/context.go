package context

import "context"

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	MethodKey    = ContextKey("X-Method")
	RouteKey     = ContextKey("X-Route")
	RemoteIPKey  = ContextKey("X-Remote-Ip")
	RunIDKey     = ContextKey("X-Run-Id")
	ChunkKey     = ContextKey("X-Chunk")
)

func get(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return get(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return get(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return context.WithValue(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return get(ctx, RemoteIPKey)
}

// SetRunID tags everything done on behalf of one matching run
func SetRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func GetRunID(ctx context.Context) string {
	return get(ctx, RunIDKey)
}

// SetChunk tags work done by one worker of a run
func SetChunk(ctx context.Context, chunk int) context.Context {
	return context.WithValue(ctx, ChunkKey, chunk)
}

// GetChunk returns the worker chunk index, or -1 outside a worker
func GetChunk(ctx context.Context) int {
	value, ok := ctx.Value(ChunkKey).(int)
	if !ok {
		return -1
	}
	return value
}

// Fields returns the context values worth attaching to a log line
func Fields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	if v := GetRequestID(ctx); v != "" {
		fields["request_id"] = v
	}
	if v := GetRunID(ctx); v != "" {
		fields["run_id"] = v
	}
	if v := GetChunk(ctx); v >= 0 {
		fields["chunk"] = v
	}
	return fields
}
