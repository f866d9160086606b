package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFields(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		expected map[string]any
	}{
		{"empty", context.Background(), map[string]any{}},
		{"request", SetRequestID(context.Background(), "req-1"), map[string]any{"request_id": "req-1"}},
		{
			"worker",
			SetChunk(SetRunID(context.Background(), "run-1"), 0),
			map[string]any{"run_id": "run-1", "chunk": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Fields(tt.ctx))
		})
	}
}

func TestGetters(t *testing.T) {
	ctx := SetRoute(SetMethod(SetRemoteIP(context.Background(), "10.0.0.1"), "GET"), "/api/v1/health")
	assert.Equal(t, "GET", GetMethod(ctx))
	assert.Equal(t, "/api/v1/health", GetRoute(ctx))
	assert.Equal(t, "10.0.0.1", GetRemoteIP(ctx))
	assert.Equal(t, "", GetRunID(ctx))
	assert.Equal(t, -1, GetChunk(ctx))
}
