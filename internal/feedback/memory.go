// Package feedback keeps the bounded retry ledger for a (workflow, phase)
// pair. Evaluator feedback accumulates across attempts and drives the
// retry-or-escalate decision; the accumulated context strictly grows until
// success or escalation.
package feedback

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

// DefaultMaxAttempts bounds retries per phase before escalation is forced.
const DefaultMaxAttempts = 3

// Errors for ledger operations.
var (
	ErrEscalated         = errors.New("feedback memory escalated")
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

// Memory is the per-(workflow, phase, goal) attempt ledger. Attempts are
// append-only and strictly ordered; that order is load-bearing for the
// escalating-context contract. Escalation is monotonic.
type Memory struct {
	mu sync.RWMutex

	workflowID string
	phase      workflow.Phase
	goal       string

	maxAttempts      int
	attempts         []workflow.AttemptRecord
	escalated        bool
	escalationReason string

	logger *zap.Logger
}

// NewMemory creates a ledger for one workflow phase. maxAttempts <= 0 uses
// DefaultMaxAttempts.
func NewMemory(workflowID string, phase workflow.Phase, goal string, maxAttempts int, logger *zap.Logger) *Memory {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		workflowID:  workflowID,
		phase:       phase,
		goal:        goal,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Restore rebuilds a ledger from checkpointed records, preserving order and
// any prior escalation.
func Restore(workflowID string, phase workflow.Phase, goal string, maxAttempts int, records []workflow.AttemptRecord, escalationReason string, escalated bool, logger *zap.Logger) *Memory {
	m := NewMemory(workflowID, phase, goal, maxAttempts, logger)
	m.attempts = append(m.attempts, records...)
	m.escalated = escalated
	m.escalationReason = escalationReason
	return m
}

// RecordAttempt appends an attempt record with the merged output and the
// complete evaluator result set. Returns ErrEscalated after escalation and
// ErrAttemptsExhausted once the bound is reached.
func (m *Memory) RecordAttempt(output string, results []workflow.EvaluationResult) (workflow.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.escalated {
		return workflow.AttemptRecord{}, ErrEscalated
	}
	if len(m.attempts) >= m.maxAttempts {
		return workflow.AttemptRecord{}, ErrAttemptsExhausted
	}

	record := workflow.AttemptRecord{
		Number:    len(m.attempts) + 1,
		Output:    output,
		Results:   append([]workflow.EvaluationResult(nil), results...),
		Timestamp: time.Now().UTC(),
	}
	m.attempts = append(m.attempts, record)

	m.logger.Debug("recorded attempt",
		zap.String("workflow_id", m.workflowID),
		zap.String("phase", string(m.phase)),
		zap.Int("attempt", record.Number),
		zap.Bool("all_passed", workflow.AllPassed(results)),
	)
	return record, nil
}

// CanRetry reports whether another attempt is allowed.
func (m *Memory) CanRetry() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.escalated && len(m.attempts) < m.maxAttempts
}

// Escalate marks the ledger escalated. The first reason sticks; escalation is
// never reset.
func (m *Memory) Escalate(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.escalated {
		return
	}
	m.escalated = true
	m.escalationReason = reason
	m.logger.Warn("escalated",
		zap.String("workflow_id", m.workflowID),
		zap.String("phase", string(m.phase)),
		zap.Int("attempts", len(m.attempts)),
		zap.String("reason", reason),
	)
}

// Escalated reports the escalation state.
func (m *Memory) Escalated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.escalated
}

// EscalationReason returns the recorded reason, empty if not escalated.
func (m *Memory) EscalationReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.escalationReason
}

// Attempts returns a copy of the attempt records in chronological order.
func (m *Memory) Attempts() []workflow.AttemptRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]workflow.AttemptRecord(nil), m.attempts...)
}

// MaxAttempts returns the retry bound.
func (m *Memory) MaxAttempts() int {
	return m.maxAttempts
}

// SummaryForPrompt builds the retry prompt context: the original goal
// verbatim, every prior attempt's feedback and suggestions in chronological
// order, and an instruction not to repeat flagged mistakes. The summary is a
// strict superset of the previous attempt's summary, never a sliding window.
func (m *Memory) SummaryForPrompt() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Original goal:\n")
	b.WriteString(m.goal)
	b.WriteString("\n")

	for _, attempt := range m.attempts {
		fmt.Fprintf(&b, "\nAttempt %d feedback:\n", attempt.Number)
		for _, res := range attempt.Results {
			if res.Passed {
				continue
			}
			fmt.Fprintf(&b, "- [%s] %s\n", res.Evaluator, res.Feedback)
			for _, s := range res.Suggestions {
				fmt.Fprintf(&b, "  suggestion: %s\n", s)
			}
		}
	}

	if len(m.attempts) > 0 {
		b.WriteString("\nDo not repeat the mistakes flagged above; address every item before producing new output.\n")
	}
	return b.String()
}
