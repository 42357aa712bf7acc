// Package checkpoint persists crash-safe workflow snapshots. Saves are
// atomic (temp file, then rename into the canonical location) so concurrent
// readers observe either the previous checkpoint or the new one, never a mix.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gateflow/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/gateflow/internal/checkpoint"

// Errors for store operations.
var (
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt means checkpoints exist for the workflow but none could be
	// deserialized. Auto-resume must refuse; starting fresh with the same
	// workflow id requires explicit operator confirmation.
	ErrCorrupt = errors.New("all checkpoints corrupt")
)

// Store provides durable, versioned workflow snapshots.
type Store interface {
	// Save atomically publishes a new checkpoint and returns its id.
	Save(ctx context.Context, cp *Checkpoint) (string, error)

	// Latest returns the newest valid checkpoint for a workflow, skipping
	// past corrupt files to the next-older valid one.
	Latest(ctx context.Context, workflowID string) (*Checkpoint, error)

	// Get returns a specific checkpoint.
	Get(ctx context.Context, workflowID, checkpointID string) (*Checkpoint, error)

	// List returns checkpoint ids for a workflow, newest first.
	List(ctx context.Context, workflowID string) ([]string, error)

	// Resume consumes a checkpoint: clears recoveryPending, forces an
	// interrupted phase back to in_progress (the phase restarts from its
	// beginning; in-flight role outputs are not preserved), and archives the
	// consumed file.
	Resume(ctx context.Context, workflowID, checkpointID string) (*Checkpoint, error)
}

// Config configures the file store.
type Config struct {
	// Dir is the checkpoint root directory.
	Dir string

	// MaxHistory bounds retained checkpoints per workflow (default: 20);
	// oldest are pruned after each save.
	MaxHistory int
}

// DefaultConfig returns sensible defaults rooted under the user config dir.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	dir := "gateflow-checkpoints"
	if err == nil {
		dir = filepath.Join(home, ".config", "gateflow", "checkpoints")
	}
	return &Config{Dir: dir, MaxHistory: 20}
}

// fileStore implements Store on the local filesystem. Layout:
//
//	{dir}/{workflowID}/{unixnano}-{checkpointID}.json
//	{dir}/{workflowID}/archive/...
type fileStore struct {
	config *Config
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	saveCounter   metric.Int64Counter
	resumeCounter metric.Int64Counter

	// mu serializes writes per process; cross-process safety comes from the
	// single-writer invariant held by the orchestrator lock.
	mu sync.Mutex
}

// NewFileStore creates a file-backed checkpoint store.
func NewFileStore(cfg *Config, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Dir == "" {
		return nil, errors.New("checkpoint dir is required")
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	s := &fileStore{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *fileStore) initMetrics() {
	var err error
	s.saveCounter, err = s.meter.Int64Counter(
		"gateflow.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}
	s.resumeCounter, err = s.meter.Int64Counter(
		"gateflow.checkpoint.resumes_total",
		metric.WithDescription("Total number of checkpoint resumes"),
		metric.WithUnit("{resume}"),
	)
	if err != nil {
		s.logger.Warn("failed to create resume counter", zap.Error(err))
	}
}

// Save atomically publishes a checkpoint.
func (s *fileStore) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	if cp == nil || cp.WorkflowID == "" {
		return "", errors.New("checkpoint workflow id is required")
	}
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CheckpointAt.IsZero() {
		cp.CheckpointAt = time.Now().UTC()
	}
	span.SetAttributes(
		attribute.String("workflow_id", cp.WorkflowID),
		attribute.String("checkpoint_id", cp.ID),
		attribute.Bool("recovery_pending", cp.RecoveryPending),
	)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.workflowDir(cp.WorkflowID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to create workflow dir: %w", err)
	}

	final := filepath.Join(dir, fmt.Sprintf("%020d-%s.json", cp.CheckpointAt.UnixNano(), cp.ID))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish checkpoint: %w", err)
	}

	if err := s.prune(cp.WorkflowID); err != nil {
		s.logger.Warn("failed to prune checkpoint history",
			zap.String("workflow_id", cp.WorkflowID),
			zap.Error(err),
		)
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("recovery_pending", cp.RecoveryPending),
		))
	}
	s.logger.Info("saved checkpoint",
		zap.String("workflow_id", cp.WorkflowID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("phase", string(cp.Phase)),
	)
	return cp.ID, nil
}

// Latest returns the newest valid checkpoint, falling back past corrupt
// files to older ones.
func (s *fileStore) Latest(ctx context.Context, workflowID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.latest")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", workflowID))

	files, err := s.files(workflowID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}

	sawCorrupt := false
	for i := len(files) - 1; i >= 0; i-- {
		cp, err := s.read(files[i])
		if err != nil {
			sawCorrupt = true
			s.logger.Warn("skipping corrupt checkpoint",
				zap.String("workflow_id", workflowID),
				zap.String("file", filepath.Base(files[i])),
				zap.Error(err),
			)
			continue
		}
		return cp, nil
	}
	if sawCorrupt {
		span.SetStatus(codes.Error, ErrCorrupt.Error())
		return nil, fmt.Errorf("%w: workflow %s", ErrCorrupt, workflowID)
	}
	return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
}

// Get returns a checkpoint by id.
func (s *fileStore) Get(ctx context.Context, workflowID, checkpointID string) (*Checkpoint, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.get")
	defer span.End()

	path, err := s.find(workflowID, checkpointID)
	if err != nil {
		return nil, err
	}
	return s.read(path)
}

// List returns checkpoint ids, newest first.
func (s *fileStore) List(ctx context.Context, workflowID string) ([]string, error) {
	files, err := s.files(workflowID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		ids = append(ids, idFromFile(files[i]))
	}
	return ids, nil
}

// Resume consumes a checkpoint exactly once.
func (s *fileStore) Resume(ctx context.Context, workflowID, checkpointID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.resume")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("checkpoint_id", checkpointID),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.find(workflowID, checkpointID)
	if err != nil {
		return nil, err
	}
	cp, err := s.read(path)
	if err != nil {
		return nil, err
	}

	cp.RecoveryPending = false
	if cp.Workflow != nil {
		// Restart the interrupted phase from its beginning rather than
		// mid-phase; in-flight role outputs are not preserved.
		st := cp.Workflow.State(cp.Workflow.CurrentPhase)
		if st.Status == workflow.StatusInProgress {
			st.Output = ""
			st.RolesCompleted = nil
		}
	}

	if err := s.archive(workflowID, path); err != nil {
		s.logger.Warn("failed to archive consumed checkpoint",
			zap.String("workflow_id", workflowID),
			zap.String("checkpoint_id", checkpointID),
			zap.Error(err),
		)
	}

	if s.resumeCounter != nil {
		s.resumeCounter.Add(ctx, 1)
	}
	s.logger.Info("resumed checkpoint",
		zap.String("workflow_id", workflowID),
		zap.String("checkpoint_id", checkpointID),
	)
	return cp, nil
}

func (s *fileStore) workflowDir(workflowID string) string {
	return filepath.Join(s.config.Dir, workflowID)
}

// files returns the non-archived checkpoint files sorted oldest first. The
// timestamp filename prefix makes lexical order chronological.
func (s *fileStore) files(workflowID string) ([]string, error) {
	dir := s.workflowDir(workflowID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (s *fileStore) find(workflowID, checkpointID string) (string, error) {
	files, err := s.files(workflowID)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if idFromFile(f) == checkpointID {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
}

func (s *fileStore) read(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", filepath.Base(path), err)
	}
	if cp.WorkflowID == "" || cp.Workflow == nil {
		return nil, fmt.Errorf("checkpoint %s missing workflow state", filepath.Base(path))
	}
	return &cp, nil
}

func (s *fileStore) archive(workflowID, path string) error {
	archiveDir := filepath.Join(s.workflowDir(workflowID), "archive")
	if err := os.MkdirAll(archiveDir, 0o700); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(archiveDir, filepath.Base(path)))
}

// prune drops the oldest checkpoints beyond MaxHistory.
func (s *fileStore) prune(workflowID string) error {
	files, err := s.files(workflowID)
	if err != nil {
		return err
	}
	for len(files) > s.config.MaxHistory {
		if err := os.Remove(files[0]); err != nil {
			return err
		}
		files = files[1:]
	}
	return nil
}

// idFromFile extracts the checkpoint id from "{unixnano}-{id}.json".
func idFromFile(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	if i := strings.Index(name, "-"); i >= 0 {
		return name[i+1:]
	}
	return name
}
