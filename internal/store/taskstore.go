package store

import (
	"context"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
)

// TaskPatch describes one atomic mutation of a task. Nil fields are left
// untouched. Applying a patch always appends a history entry reflecting
// the resulting state and bumps UpdatedAt; the store serializes patches
// so history carries a total order consistent with the visible states.
type TaskPatch struct {
	Status   *models.TaskStatus
	Stage    *models.TaskStage
	Progress *int
	Message  *string

	ImageCID     *string
	MetadataJSON *string
	MetadataCID  *string
	TokenURI     *string
	TxHash       *string
	Provider     *string

	// IncrementAttempt bumps the per-stage attempt counter.
	IncrementAttempt *models.TaskStage
}

// TaskFilter narrows List results.
type TaskFilter struct {
	Status models.TaskStatus // empty matches all
	Limit  int               // 0 means no limit
}

// TaskStore is the single shared mutable resource of the pipeline. The
// orchestrator is the only writer; the status API reads snapshots. Reads
// following a successful update observe the update.
type TaskStore interface {
	// Create inserts a new task. It fails with models.ErrDuplicateTask
	// when a task already exists for the same id or token.
	Create(ctx context.Context, task *models.Task) error

	// Get returns a snapshot of the task, or models.ErrTaskNotFound.
	Get(ctx context.Context, id string) (*models.Task, error)

	// FindByToken returns the task for a token id, or models.ErrTaskNotFound.
	FindByToken(ctx context.Context, tokenID uint64) (*models.Task, error)

	// Update applies the patch atomically and returns the resulting
	// snapshot. Updates to terminal tasks fail with
	// models.ErrTaskFinalized; stage regressions fail with
	// models.ErrStageRegress.
	Update(ctx context.Context, id string, patch TaskPatch) (*models.Task, error)

	// List returns snapshots matching the filter, most recent first.
	List(ctx context.Context, filter TaskFilter) ([]*models.Task, error)

	// Checkpoint returns the last acknowledged block for the watcher;
	// zero when no checkpoint has been persisted yet.
	Checkpoint(ctx context.Context) (uint64, error)

	// SetCheckpoint persists the last acknowledged block. The checkpoint
	// only ever advances; a smaller value is a no-op.
	SetCheckpoint(ctx context.Context, block uint64) error

	// Initialize prepares the backing storage (creates tables etc.).
	Initialize(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Helper constructors so call sites stay terse.

func StatusPtr(s models.TaskStatus) *models.TaskStatus { return &s }
func StagePtr(s models.TaskStage) *models.TaskStage    { return &s }
func IntPtr(i int) *int                                { return &i }
func StrPtr(s string) *string                          { return &s }
