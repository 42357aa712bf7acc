package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		logger, err := New(nil)
		require.NoError(t, err)
		assert.NotNil(t, logger)
	})

	t.Run("console format", func(t *testing.T) {
		logger, err := New(&Config{Level: "debug", Format: "console", Development: true})
		require.NoError(t, err)
		assert.NotNil(t, logger)
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := New(&Config{Level: "loud", Format: "json"})
		assert.ErrorContains(t, err, "invalid log level")
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := New(&Config{Level: "info", Format: "xml"})
		assert.ErrorContains(t, err, "invalid log format")
	})
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	ctx := WithWorkflowID(context.Background(), "wf-1")
	ctx = WithPhase(ctx, "design")

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, zap.String("workflow_id", "wf-1"), fields[0])
	assert.Equal(t, zap.String("phase", "design"), fields[1])
}

func TestNewTestLogger(t *testing.T) {
	logger, logs := NewTestLogger()
	logger.Info("phase completed", zap.String("phase", "design"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "phase completed", entries[0].Message)
	assert.Equal(t, "design", entries[0].ContextMap()["phase"])
}
