package store

import (
	"context"
	"time"

	"github.com/artpar/shipit/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for run history.
type Store interface {
	// Deploy runs
	BeginRun(ctx context.Context, report *domain.DeployReport, staleAfter time.Duration) error
	AppendTransition(ctx context.Context, runID string, t domain.Transition) error
	FinishRun(ctx context.Context, report *domain.DeployReport) error

	// OnTransition records t and, on a terminal state, finishes the run.
	OnTransition(ctx context.Context, report *domain.DeployReport, t domain.Transition) error

	// Build runs
	RecordBuild(ctx context.Context, build BuildRecord) error

	// Queries
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error)

	// Lifecycle
	Close() error
}

// =============================================================================
// Records
// =============================================================================

// Run kinds.
const (
	KindBuild  = "build"
	KindDeploy = "deploy"
)

// OutcomeAbandoned marks an open deploy run superseded after going stale.
const OutcomeAbandoned = "abandoned"

// RunRecord is one row of run history.
type RunRecord struct {
	ID                string              `json:"id" yaml:"id"`
	Kind              string              `json:"kind" yaml:"kind"`
	Target            string              `json:"target" yaml:"target"`
	Artifact          string              `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	State             string              `json:"state" yaml:"state"`
	Outcome           string              `json:"outcome" yaml:"outcome"`
	Reason            string              `json:"reason,omitempty" yaml:"reason,omitempty"`
	FailedStage       string              `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	Error             string              `json:"error,omitempty" yaml:"error,omitempty"`
	RollbackAttempted bool                `json:"rollback_attempted" yaml:"rollback_attempted"`
	RollbackSucceeded bool                `json:"rollback_succeeded" yaml:"rollback_succeeded"`
	RestoredPrevious  bool                `json:"restored_previous" yaml:"restored_previous"`
	Images            []string            `json:"images,omitempty" yaml:"images,omitempty"`
	StartedAt         time.Time           `json:"started_at" yaml:"started_at"`
	FinishedAt        *time.Time          `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Transitions       []domain.Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// BuildRecord describes a finished publish.
type BuildRecord struct {
	ID         string
	Image      string // registry/repository
	Result     domain.PublishResult
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
	Kind   string // "" for every kind
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
