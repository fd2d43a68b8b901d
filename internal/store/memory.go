package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
)

// DefaultMaxTasks bounds in-memory retention to the most recent tasks.
const DefaultMaxTasks = 10_000

// MemoryStore is the in-process TaskStore used for a single pipeline
// lifetime. All mutations happen under one mutex, which is what gives
// history its total order.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*models.Task
	byToken    map[uint64]string
	order      []string // creation order, oldest first, for eviction
	maxTasks   int
	checkpoint uint64
	logger     *zap.Logger
}

// NewMemoryStore creates an empty in-memory store. maxTasks <= 0 selects
// the default retention bound.
func NewMemoryStore(maxTasks int, logger *zap.Logger) *MemoryStore {
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	return &MemoryStore{
		tasks:    make(map[string]*models.Task),
		byToken:  make(map[uint64]string),
		maxTasks: maxTasks,
		logger:   logger.Named("memory_store"),
	}
}

// Initialize is a no-op for the in-memory store.
func (s *MemoryStore) Initialize(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Create(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return models.ErrDuplicateTask
	}
	if _, exists := s.byToken[task.TokenID]; exists {
		return models.ErrDuplicateTask
	}

	s.evictIfFullLocked()

	cp := task.Clone()
	s.tasks[cp.ID] = cp
	s.byToken[cp.TokenID] = cp.ID
	s.order = append(s.order, cp.ID)
	return nil
}

// evictIfFullLocked drops the oldest terminal task once the retention
// bound is reached. Live tasks are never evicted.
func (s *MemoryStore) evictIfFullLocked() {
	if len(s.tasks) < s.maxTasks {
		return
	}
	for i, id := range s.order {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if t.Terminal() {
			delete(s.tasks, id)
			delete(s.byToken, t.TokenID)
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.logger.Debug("Evicted oldest terminal task", zap.String("task_id", id))
			return
		}
	}
	s.logger.Warn("Task retention bound reached with no terminal task to evict",
		zap.Int("max_tasks", s.maxTasks))
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) FindByToken(ctx context.Context, tokenID uint64) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[tokenID]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return s.tasks[id].Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch TaskPatch) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}

	if err := applyPatch(task, patch); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// applyPatch enforces the task invariants and mutates the record in
// place: terminal states are immutable, the stage never regresses, and
// progress is non-decreasing. It is shared with the Postgres store, which
// calls it inside a transaction.
func applyPatch(task *models.Task, patch TaskPatch) error {
	if task.Terminal() {
		return models.ErrTaskFinalized
	}
	if patch.Stage != nil {
		if cur := models.StageIndex(task.Stage); cur >= 0 && models.StageIndex(*patch.Stage) < cur {
			return models.ErrStageRegress
		}
		task.Stage = *patch.Stage
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.Progress != nil && *patch.Progress > task.Progress {
		task.Progress = *patch.Progress
	}
	if patch.Message != nil {
		task.Message = *patch.Message
	}
	if patch.ImageCID != nil {
		task.Artifact.ImageCID = *patch.ImageCID
	}
	if patch.MetadataJSON != nil {
		task.Artifact.MetadataJSON = *patch.MetadataJSON
	}
	if patch.MetadataCID != nil {
		task.Artifact.MetadataCID = *patch.MetadataCID
	}
	if patch.TokenURI != nil {
		task.Artifact.TokenURI = *patch.TokenURI
	}
	if patch.TxHash != nil {
		task.Artifact.TxHash = *patch.TxHash
	}
	if patch.Provider != nil {
		task.Artifact.Provider = *patch.Provider
	}
	if patch.IncrementAttempt != nil {
		if task.Attempts == nil {
			task.Attempts = make(map[models.TaskStage]int)
		}
		task.Attempts[*patch.IncrementAttempt]++
	}

	now := time.Now().UTC()
	if n := len(task.History); n > 0 && !now.After(task.History[n-1].Time) {
		now = task.History[n-1].Time.Add(time.Microsecond)
	}
	task.History = append(task.History, models.HistoryEntry{
		Time:    now,
		Stage:   task.Stage,
		Status:  task.Status,
		Message: task.Message,
	})
	task.UpdatedAt = now
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Checkpoint(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoint, nil
}

func (s *MemoryStore) SetCheckpoint(ctx context.Context, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block > s.checkpoint {
		s.checkpoint = block
	}
	return nil
}
