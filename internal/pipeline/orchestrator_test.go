package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/chain"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/config"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/executor"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/providers"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/store"
)

// stubProvider returns queued errors before succeeding with its image.
type stubProvider struct {
	name    string
	results []error
	image   []byte
	block   bool
	calls   int
}

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) Generate(ctx context.Context, prompt, negativePrompt string, req models.ProviderRequest) ([]byte, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	idx := p.calls
	p.calls++
	if idx < len(p.results) && p.results[idx] != nil {
		return nil, p.results[idx]
	}
	return p.image, nil
}
func (p *stubProvider) DescribeOptions() map[string]string { return nil }
func (p *stubProvider) SupportedModels() []string          { return nil }
func (p *stubProvider) Enabled() bool                      { return true }

// stubUploader mints sequential CIDs and remembers what it pinned. Queued
// errors are consumed one per call before uploads succeed.
type stubUploader struct {
	mu      sync.Mutex
	uploads []string // names, in order
	errs    []error
	calls   int
}

func (u *stubUploader) UploadBytes(ctx context.Context, data []byte, contentType, name string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	idx := u.calls
	u.calls++
	if idx < len(u.errs) && u.errs[idx] != nil {
		return "", u.errs[idx]
	}
	u.uploads = append(u.uploads, name)
	return fmt.Sprintf("Qm%s%d", name, len(u.uploads)), nil
}

// stubWriter records setTokenURI commits.
type stubWriter struct {
	mu      sync.Mutex
	commits []uint64
	err     error
}

func (w *stubWriter) SetTokenURI(ctx context.Context, tokenID uint64, uri string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	w.commits = append(w.commits, tokenID)
	return fmt.Sprintf("0xtx%d", tokenID), nil
}

// stubPublisher collects status updates.
type stubPublisher struct {
	mu      sync.Mutex
	updates []*models.TaskStatusUpdate
}

func (p *stubPublisher) PublishStatus(u *models.TaskStatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *stubPublisher) snapshot() []*models.TaskStatusUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.TaskStatusUpdate, len(p.updates))
	copy(out, p.updates)
	return out
}

type fixture struct {
	store     *store.MemoryStore
	orch      *Orchestrator
	uploader  *stubUploader
	writer    *stubWriter
	publisher *stubPublisher
	cancel    context.CancelFunc
}

func testTimeouts() config.StageTimeouts {
	return config.StageTimeouts{
		Art:      time.Second,
		Metadata: time.Second,
		IPFS:     time.Second,
		TokenURI: time.Second,
	}
}

func newFixture(t *testing.T, dalle, stability, hf providers.ImageProvider, deadline time.Duration) *fixture {
	t.Helper()
	logger := zap.NewNop()
	s := store.NewMemoryStore(0, logger)
	reg := providers.NewRegistry(dalle, stability, hf, logger)
	exec := executor.New(s, testTimeouts(), executor.RetryPolicy{
		MaxAttempts:      3,
		InitialDelay:     time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}, logger)

	uploader := &stubUploader{}
	writer := &stubWriter{}
	publisher := &stubPublisher{}

	orch := New(s, reg, uploader, writer, exec, 2, deadline, logger).WithPublisher(publisher)

	ctx, cancel := context.WithCancel(context.Background())
	go orch.commitLoop(ctx)
	t.Cleanup(cancel)

	return &fixture{store: s, orch: orch, uploader: uploader, writer: writer, publisher: publisher, cancel: cancel}
}

func mintEvent(tokenID uint64, breed string) chain.MintEvent {
	return chain.MintEvent{
		TokenID:     tokenID,
		Buyer:       "0x1111111111111111111111111111111111111111",
		Breed:       breed,
		BlockNumber: 1200,
		TxHash:      "0xmint",
	}
}

func TestStartTask(t *testing.T) {
	ctx := context.Background()
	dalle := &stubProvider{name: models.ProviderDallE, image: []byte("img")}
	f := newFixture(t, dalle,
		&stubProvider{name: models.ProviderStability},
		&stubProvider{name: models.ProviderHuggingFace},
		time.Minute)

	t.Run("creates a pending task", func(t *testing.T) {
		task, err := f.orch.StartTask(ctx, mintEvent(42, "Bengal"), models.ProviderRequest{Provider: models.ProviderDallE})
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, task.Status)
		assert.Equal(t, uint64(42), task.TokenID)
		assert.Equal(t, uint64(1200), task.BlockNumber)
	})

	t.Run("duplicate token rejected", func(t *testing.T) {
		_, err := f.orch.StartTask(ctx, mintEvent(42, "Bengal"), models.ProviderRequest{})
		assert.ErrorIs(t, err, models.ErrDuplicateTask)
	})

	t.Run("unknown breed never creates a task", func(t *testing.T) {
		_, err := f.orch.StartTask(ctx, mintEvent(43, "Dragon"), models.ProviderRequest{})
		assert.ErrorIs(t, err, models.ErrUnknownBreed)
		_, err = f.store.FindByToken(ctx, 43)
		assert.ErrorIs(t, err, models.ErrTaskNotFound)
	})
}

func TestPipelineHappyPath(t *testing.T) {
	ctx := context.Background()
	dalle := &stubProvider{name: models.ProviderDallE, image: []byte("img")}
	f := newFixture(t, dalle,
		&stubProvider{name: models.ProviderStability},
		&stubProvider{name: models.ProviderHuggingFace},
		time.Minute)

	task, err := f.orch.StartTask(ctx, mintEvent(42, "Bengal"), models.ProviderRequest{Provider: models.ProviderDallE})
	require.NoError(t, err)

	f.orch.runTask(ctx, task.ID)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, models.StageDone, got.Stage)
	assert.Equal(t, 100, got.Progress)
	assert.NotEmpty(t, got.Artifact.ImageCID)
	assert.NotEmpty(t, got.Artifact.MetadataJSON)
	assert.NotEmpty(t, got.Artifact.MetadataCID)
	assert.Equal(t, "ipfs://"+got.Artifact.MetadataCID, got.Artifact.TokenURI)
	assert.Equal(t, "0xtx42", got.Artifact.TxHash)
	assert.Equal(t, models.ProviderDallE, got.Artifact.Provider)

	assert.Contains(t, got.Artifact.MetadataJSON, "Pixel Ninja Kitty #42")
	assert.Contains(t, got.Artifact.MetadataJSON, "ipfs://"+got.Artifact.ImageCID)

	// Image pinned before metadata so the JSON can embed its CID.
	require.Len(t, f.uploader.uploads, 2)
	assert.Equal(t, "kitty-42.png", f.uploader.uploads[0])
	assert.Equal(t, "metadata.json", f.uploader.uploads[1])
	assert.Equal(t, []uint64{42}, f.writer.commits)

	t.Run("history walks stages in order", func(t *testing.T) {
		var stages []models.TaskStage
		for _, e := range got.History {
			if len(stages) == 0 || stages[len(stages)-1] != e.Stage {
				stages = append(stages, e.Stage)
			}
		}
		assert.Equal(t, []models.TaskStage{
			models.StageArt, models.StageMetadata, models.StageIPFS, models.StageTokenURI, models.StageDone,
		}, stages)
	})

	t.Run("published progress never decreases", func(t *testing.T) {
		updates := f.publisher.snapshot()
		require.NotEmpty(t, updates)
		last := 0
		for _, u := range updates {
			assert.GreaterOrEqual(t, u.Progress, last)
			last = u.Progress
		}
		assert.Equal(t, 100, updates[len(updates)-1].Progress)
		assert.Equal(t, models.StatusCompleted, updates[len(updates)-1].Status)
	})
}

func TestPipelineProviderFallback(t *testing.T) {
	ctx := context.Background()
	dalle := &stubProvider{name: models.ProviderDallE, results: []error{
		models.NewFailure(models.KindProviderInvalidRequest, "dalle.Generate", errors.New("400")),
	}}
	stability := &stubProvider{name: models.ProviderStability, image: []byte("stab-img")}
	f := newFixture(t, dalle, stability, &stubProvider{name: models.ProviderHuggingFace}, time.Minute)

	task, err := f.orch.StartTask(ctx, mintEvent(7, "Nyan"), models.ProviderRequest{Provider: models.ProviderDallE})
	require.NoError(t, err)

	f.orch.runTask(ctx, task.ID)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, models.ProviderStability, got.Artifact.Provider)
	assert.Equal(t, 1, dalle.calls)
	assert.Equal(t, 1, stability.calls)
}

func TestPipelineImagePinRetry(t *testing.T) {
	ctx := context.Background()
	dalle := &stubProvider{name: models.ProviderDallE, image: []byte("img")}
	f := newFixture(t, dalle,
		&stubProvider{name: models.ProviderStability},
		&stubProvider{name: models.ProviderHuggingFace},
		time.Minute)

	// The first pin attempt hits a restarting node; the retry must land
	// without regenerating the image.
	f.uploader.errs = []error{
		models.NewFailure(models.KindIPFSTransient, "UploadBytes", errors.New("node restarting")),
	}

	task, err := f.orch.StartTask(ctx, mintEvent(17, "Sphynx"), models.ProviderRequest{})
	require.NoError(t, err)

	f.orch.runTask(ctx, task.ID)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 1, dalle.calls, "a pin retry must not regenerate the image")
	require.Len(t, f.uploader.uploads, 2)
	assert.Equal(t, "kitty-17.png", f.uploader.uploads[0])
	assert.Equal(t, 3, got.Attempts[models.StageArt], "one generation attempt plus two pin attempts")
}

func TestPipelineDeadlineCountsQueueTime(t *testing.T) {
	ctx := context.Background()
	dalle := &stubProvider{name: models.ProviderDallE, image: []byte("img")}
	f := newFixture(t, dalle,
		&stubProvider{name: models.ProviderStability},
		&stubProvider{name: models.ProviderHuggingFace},
		50*time.Millisecond)

	task, err := f.orch.StartTask(ctx, mintEvent(23, "Tabby"), models.ProviderRequest{})
	require.NoError(t, err)

	// The task sits queued past its whole deadline before a worker picks
	// it up, as happens when the pool is saturated.
	time.Sleep(80 * time.Millisecond)
	f.orch.runTask(ctx, task.ID)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, got.Status)
	assert.Equal(t, 0, dalle.calls, "no work starts once the creation-anchored deadline has passed")
	assert.Empty(t, got.Artifact.TxHash)
}

func TestPipelineTimeout(t *testing.T) {
	ctx := context.Background()
	dalle := &stubProvider{name: models.ProviderDallE, block: true}
	f := newFixture(t, dalle,
		&stubProvider{name: models.ProviderStability, block: true},
		&stubProvider{name: models.ProviderHuggingFace, block: true},
		50*time.Millisecond)

	task, err := f.orch.StartTask(ctx, mintEvent(9, "Shadow"), models.ProviderRequest{})
	require.NoError(t, err)

	f.orch.runTask(ctx, task.ID)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, got.Status)
	assert.Empty(t, got.Artifact.TxHash, "no commit after timeout")

	// Terminal state is immutable afterwards.
	_, err = f.store.Update(ctx, task.ID, store.TaskPatch{Message: store.StrPtr("late")})
	assert.ErrorIs(t, err, models.ErrTaskFinalized)
}

func TestPipelineFailureKeepsArtifacts(t *testing.T) {
	ctx := context.Background()
	dalle := &stubProvider{name: models.ProviderDallE, image: []byte("img")}
	f := newFixture(t, dalle,
		&stubProvider{name: models.ProviderStability},
		&stubProvider{name: models.ProviderHuggingFace},
		time.Minute)
	f.writer.err = models.NewFailure(models.KindChainUnavailable, "SetTokenURI", errors.New("rpc down"))

	task, err := f.orch.StartTask(ctx, mintEvent(11, "Calico"), models.ProviderRequest{})
	require.NoError(t, err)

	f.orch.runTask(ctx, task.ID)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.NotEmpty(t, got.Artifact.TokenURI, "minted tokenURI preserved for offline remediation")
	assert.Empty(t, got.Artifact.TxHash)
	assert.NotContains(t, got.Message, "rpc down", "provider error text never leaks to clients")
}

func TestPipelineIdempotentCommit(t *testing.T) {
	ctx := context.Background()
	dalle := &stubProvider{name: models.ProviderDallE, image: []byte("img")}
	f := newFixture(t, dalle,
		&stubProvider{name: models.ProviderStability},
		&stubProvider{name: models.ProviderHuggingFace},
		time.Minute)

	task, err := f.orch.StartTask(ctx, mintEvent(13, "Persian"), models.ProviderRequest{})
	require.NoError(t, err)

	// Simulate a task that already committed but was re-enqueued before
	// finalization (crash between the commit and the terminal patch).
	_, err = f.store.Update(ctx, task.ID, store.TaskPatch{
		Status:   store.StatusPtr(models.StatusInProgress),
		Stage:    store.StagePtr(models.StageTokenURI),
		ImageCID: store.StrPtr("QmImg"),
		Provider: store.StrPtr(models.ProviderDallE),
	})
	require.NoError(t, err)
	_, err = f.store.Update(ctx, task.ID, store.TaskPatch{
		MetadataJSON: store.StrPtr(`{"name":"Pixel Ninja Kitty #13"}`),
		MetadataCID:  store.StrPtr("QmMeta"),
		TokenURI:     store.StrPtr("ipfs://QmMeta"),
		TxHash:       store.StrPtr("0xalready"),
	})
	require.NoError(t, err)

	f.orch.runTask(ctx, task.ID)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "0xalready", got.Artifact.TxHash)
	assert.Empty(t, f.writer.commits, "an existing txHash must never be committed again")
	assert.Equal(t, 0, dalle.calls, "completed stages are not re-run")
}

func TestRunTaskSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	dalle := &stubProvider{name: models.ProviderDallE, image: []byte("img")}
	f := newFixture(t, dalle,
		&stubProvider{name: models.ProviderStability},
		&stubProvider{name: models.ProviderHuggingFace},
		time.Minute)

	task, err := f.orch.StartTask(ctx, mintEvent(21, "Bombay"), models.ProviderRequest{})
	require.NoError(t, err)
	_, err = f.store.Update(ctx, task.ID, store.TaskPatch{Status: store.StatusPtr(models.StatusFailed)})
	require.NoError(t, err)

	f.orch.runTask(ctx, task.ID)
	assert.Equal(t, 0, dalle.calls)
}

func TestBuildMetadata(t *testing.T) {
	md, raw, err := BuildMetadata(42, "Nyan", models.ProviderDallE, "QmImg")
	require.NoError(t, err)

	assert.Equal(t, "Pixel Ninja Kitty #42", md.Name)
	assert.Equal(t, "ipfs://QmImg", md.Image)
	assert.Equal(t, "legendary", md.NinjaData.Rarity.Tier)
	require.Len(t, md.Attributes, 2)
	assert.Equal(t, "Breed", md.Attributes[0].TraitType)
	assert.Equal(t, "Nyan", md.Attributes[0].Value)
	assert.Equal(t, "Generator", md.Attributes[1].TraitType)

	t.Run("serialization is deterministic", func(t *testing.T) {
		_, raw2, err := BuildMetadata(42, "Nyan", models.ProviderDallE, "QmImg")
		require.NoError(t, err)
		assert.Equal(t, raw, raw2)
	})
}
