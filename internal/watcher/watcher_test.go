package watcher

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/chain"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/store"
)

// fakeChain serves a fixed event log for backfill tests.
type fakeChain struct {
	mu     sync.Mutex
	tip    uint64
	events []chain.MintEvent
	scans  [][2]uint64
}

func (f *fakeChain) CurrentBlock(ctx context.Context) (uint64, error) {
	return f.tip, nil
}

func (f *fakeChain) ScanRange(ctx context.Context, fromBlock, toBlock uint64) ([]chain.MintEvent, error) {
	f.mu.Lock()
	f.scans = append(f.scans, [2]uint64{fromBlock, toBlock})
	f.mu.Unlock()

	var out []chain.MintEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeChain) SubscribeMintRequested(ctx context.Context, onEvent func(chain.MintEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

// recordingStarter records StartTask calls and mimics the orchestrator's
// boundary checks.
type recordingStarter struct {
	mu      sync.Mutex
	store   store.TaskStore
	started []uint64
}

func (r *recordingStarter) StartTask(ctx context.Context, ev chain.MintEvent, req models.ProviderRequest) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Breed == "Dragon" {
		return nil, models.ErrUnknownBreed
	}
	task := models.NewTask(ev.TokenID, ev.Buyer, ev.Breed, req)
	if err := r.store.Create(ctx, task); err != nil {
		return nil, err
	}
	r.started = append(r.started, ev.TokenID)
	return task, nil
}

func event(tokenID, block uint64, breed string) chain.MintEvent {
	return chain.MintEvent{
		TokenID:     tokenID,
		Buyer:       "0x2222222222222222222222222222222222222222",
		Breed:       breed,
		BlockNumber: block,
		TxHash:      "0xmint",
	}
}

func newWatcherFixture(t *testing.T, source *fakeChain) (*Watcher, *recordingStarter, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(0, zap.NewNop())
	starter := &recordingStarter{store: s}
	w := New(source, starter, s, 2000, models.ProviderRequest{Provider: models.ProviderDallE}, zap.NewNop())
	return w, starter, s
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()

	t.Run("scans from checkpoint to tip in chunks", func(t *testing.T) {
		source := &fakeChain{
			tip: 3500,
			events: []chain.MintEvent{
				event(1, 1200, "Bengal"),
				event(2, 2400, "Siamese"),
				event(3, 3300, "Nyan"),
			},
		}
		w, starter, s := newWatcherFixture(t, source)
		require.NoError(t, s.SetCheckpoint(ctx, 1000))

		require.NoError(t, w.Backfill(ctx))

		assert.Equal(t, []uint64{1, 2, 3}, starter.started, "tasks created in block order")
		assert.Equal(t, [][2]uint64{{1001, 3000}, {3001, 3500}}, source.scans)

		cp, err := s.Checkpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3500), cp)
	})

	t.Run("events at or before checkpoint are not rescanned", func(t *testing.T) {
		source := &fakeChain{
			tip: 3500,
			events: []chain.MintEvent{
				event(1, 900, "Bengal"),
				event(2, 2400, "Siamese"),
			},
		}
		w, starter, s := newWatcherFixture(t, source)
		require.NoError(t, s.SetCheckpoint(ctx, 1000))

		require.NoError(t, w.Backfill(ctx))
		assert.Equal(t, []uint64{2}, starter.started)
	})

	t.Run("restart resumes exactly after the persisted checkpoint", func(t *testing.T) {
		source := &fakeChain{
			tip:    3000,
			events: []chain.MintEvent{event(1, 1500, "Bengal")},
		}
		w, starter, s := newWatcherFixture(t, source)
		require.NoError(t, s.SetCheckpoint(ctx, 1000))
		require.NoError(t, w.Backfill(ctx))
		require.Equal(t, []uint64{1}, starter.started)

		// Simulated restart with more chain growth.
		source.tip = 4000
		source.events = append(source.events, event(2, 3500, "Tabby"))
		require.NoError(t, w.Backfill(ctx))

		assert.Equal(t, []uint64{1, 2}, starter.started, "pre-checkpoint event must not yield a second task")
	})

	t.Run("fresh deployment starts at the tip", func(t *testing.T) {
		source := &fakeChain{
			tip:    5000,
			events: []chain.MintEvent{event(1, 4000, "Bengal")},
		}
		w, starter, s := newWatcherFixture(t, source)

		require.NoError(t, w.Backfill(ctx))
		assert.Empty(t, starter.started, "history before the first checkpoint is ignored")

		cp, err := s.Checkpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(5000), cp)
	})

	t.Run("already caught up is a no-op", func(t *testing.T) {
		source := &fakeChain{tip: 2000}
		w, _, s := newWatcherFixture(t, source)
		require.NoError(t, s.SetCheckpoint(ctx, 2000))

		require.NoError(t, w.Backfill(ctx))
		assert.Empty(t, source.scans)
	})
}

func TestHandleEventDedup(t *testing.T) {
	ctx := context.Background()
	source := &fakeChain{tip: 100}
	w, starter, _ := newWatcherFixture(t, source)

	w.handleEvent(ctx, event(42, 50, "Bengal"))
	w.handleEvent(ctx, event(42, 51, "Bengal"))
	w.handleEvent(ctx, event(42, 52, "Calico"))

	assert.Equal(t, []uint64{42}, starter.started, "duplicate token ids are a no-op")
}

func TestHandleEventUnknownBreed(t *testing.T) {
	ctx := context.Background()
	source := &fakeChain{tip: 100}
	w, starter, s := newWatcherFixture(t, source)

	w.handleEvent(ctx, event(7, 50, "Dragon"))

	assert.Empty(t, starter.started)
	_, err := s.FindByToken(ctx, 7)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}
