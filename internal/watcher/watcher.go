package watcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/chain"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/store"
)

// ChainSource is the slice of the chain client the watcher consumes.
type ChainSource interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	ScanRange(ctx context.Context, fromBlock, toBlock uint64) ([]chain.MintEvent, error)
	SubscribeMintRequested(ctx context.Context, onEvent func(chain.MintEvent)) error
}

// TaskStarter accepts a mint event and turns it into a pipeline task.
type TaskStarter interface {
	StartTask(ctx context.Context, ev chain.MintEvent, req models.ProviderRequest) (*models.Task, error)
}

const defaultReconnectDelay = 5 * time.Second

// Watcher follows MintRequested events on the contract. On every (re)start
// it backfills from the persisted checkpoint to the chain tip in bounded
// chunks, then holds a live subscription; any transport failure drops it
// back into the backfill loop, so no observed-and-acknowledged block range
// is ever scanned for the first time twice nor skipped.
type Watcher struct {
	source  ChainSource
	starter TaskStarter
	store   store.TaskStore

	chunkSize      uint64
	defaults       models.ProviderRequest
	reconnectDelay time.Duration

	logger *zap.Logger
}

// New creates a Watcher. chunkSize bounds the block span of one backfill
// query; defaults is the provider request attached to every event-driven
// task.
func New(source ChainSource, starter TaskStarter, taskStore store.TaskStore,
	chunkSize uint64, defaults models.ProviderRequest, logger *zap.Logger) *Watcher {

	if chunkSize == 0 {
		chunkSize = 2000
	}
	return &Watcher{
		source:         source,
		starter:        starter,
		store:          taskStore,
		chunkSize:      chunkSize,
		defaults:       defaults.Normalize(),
		reconnectDelay: defaultReconnectDelay,
		logger:         logger.Named("watcher"),
	}
}

// Run drives the backfill-then-subscribe loop until the context is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if err := w.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("Watcher cycle ended, reconnecting",
				zap.Duration("delay", w.reconnectDelay),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.reconnectDelay):
		}
	}
}

func (w *Watcher) cycle(ctx context.Context) error {
	if err := w.Backfill(ctx); err != nil {
		return err
	}
	return w.source.SubscribeMintRequested(ctx, func(ev chain.MintEvent) {
		w.handleEvent(ctx, ev)
		if ev.BlockNumber > 0 {
			w.advanceCheckpoint(ctx, ev.BlockNumber)
		}
	})
}

// Backfill scans from the block after the persisted checkpoint up to the
// current tip in chunks, acknowledging each chunk only after every event
// in it has been handled. A fresh deployment with no checkpoint starts at
// the tip and ignores history.
func (w *Watcher) Backfill(ctx context.Context) error {
	tip, err := w.source.CurrentBlock(ctx)
	if err != nil {
		return err
	}

	last, err := w.store.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if last == 0 {
		w.logger.Info("No checkpoint recorded, starting at chain tip", zap.Uint64("tip", tip))
		return w.store.SetCheckpoint(ctx, tip)
	}
	if last >= tip {
		return nil
	}

	w.logger.Info("Backfilling missed blocks",
		zap.Uint64("from", last+1),
		zap.Uint64("to", tip),
		zap.Uint64("chunk_size", w.chunkSize),
	)

	for from := last + 1; from <= tip; from += w.chunkSize {
		to := from + w.chunkSize - 1
		if to > tip {
			to = tip
		}

		events, err := w.source.ScanRange(ctx, from, to)
		if err != nil {
			return err
		}
		for _, ev := range events {
			w.handleEvent(ctx, ev)
		}

		if err := w.store.SetCheckpoint(ctx, to); err != nil {
			return err
		}
	}
	return nil
}

// handleEvent turns one mint event into a task. Duplicate token ids and
// unknown breeds are logged and skipped; they never disturb the scan.
func (w *Watcher) handleEvent(ctx context.Context, ev chain.MintEvent) {
	existing, err := w.store.FindByToken(ctx, ev.TokenID)
	if err == nil && existing != nil {
		w.logger.Debug("Mint already tracked, skipping",
			zap.Uint64("token_id", ev.TokenID),
			zap.String("task_id", existing.ID),
		)
		return
	}
	if err != nil && !errors.Is(err, models.ErrTaskNotFound) {
		w.logger.Error("Dedup lookup failed", zap.Uint64("token_id", ev.TokenID), zap.Error(err))
		return
	}

	task, err := w.starter.StartTask(ctx, ev, w.defaults)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrDuplicateTask):
			w.logger.Debug("Mint raced an existing task, skipping", zap.Uint64("token_id", ev.TokenID))
		case errors.Is(err, models.ErrUnknownBreed):
			w.logger.Warn("Rejecting mint with unknown breed",
				zap.Uint64("token_id", ev.TokenID),
				zap.String("breed", ev.Breed),
			)
		default:
			w.logger.Error("Failed to start task for mint",
				zap.Uint64("token_id", ev.TokenID),
				zap.Error(err),
			)
		}
		return
	}

	w.logger.Info("Mint observed",
		zap.Uint64("token_id", ev.TokenID),
		zap.String("buyer", ev.Buyer),
		zap.String("breed", ev.Breed),
		zap.String("task_id", task.ID),
		zap.Uint64("block", ev.BlockNumber),
	)
}

func (w *Watcher) advanceCheckpoint(ctx context.Context, block uint64) {
	if err := w.store.SetCheckpoint(ctx, block); err != nil {
		w.logger.Error("Failed to advance checkpoint", zap.Uint64("block", block), zap.Error(err))
	}
}
