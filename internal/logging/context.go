package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey int

const (
	workflowIDKey contextKey = iota
	phaseKey
)

// WithWorkflowID attaches a workflow id to the context.
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowIDKey, workflowID)
}

// WithPhase attaches a phase name to the context.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey, phase)
}

// ContextFields extracts workflow correlation fields from the context.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if id, ok := ctx.Value(workflowIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("workflow_id", id))
	}
	if phase, ok := ctx.Value(phaseKey).(string); ok && phase != "" {
		fields = append(fields, zap.String("phase", phase))
	}
	return fields
}
