package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithLogger(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background(), "dev-1")
	require.NotNil(t, rlog)
	assert.Equal(t, "dev-1", rlog.Data[deviceLoggerKey])

	// a second call reuses the existing logger
	ctx2, rlog2 := ContextWithLogger(ctx, "dev-2")
	assert.Equal(t, ctx, ctx2)
	assert.Equal(t, "dev-1", rlog2.Data[deviceLoggerKey])
}

func TestContextWithLoggerNilContext(t *testing.T) {
	ctx, rlog := ContextWithLogger(nil, "dev-1")
	require.NotNil(t, ctx)
	require.NotNil(t, rlog)
	assert.Equal(t, rlog, FromContext(ctx))
}

func TestFromContext(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background(), "dev-1")
	assert.Equal(t, rlog, FromContext(ctx))

	// contexts without a logger fall back to the default
	assert.NotNil(t, FromContext(context.Background()))
	assert.NotNil(t, FromContext(nil))
}
