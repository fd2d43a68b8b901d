package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/config"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/providers"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/store"
)

func testTimeouts() config.StageTimeouts {
	return config.StageTimeouts{
		Art:      time.Second,
		Metadata: time.Second,
		IPFS:     time.Second,
		TokenURI: time.Second,
	}
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		InitialDelay:     time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}
}

func newFixture(t *testing.T) (*Executor, *store.MemoryStore, *models.Task) {
	t.Helper()
	s := store.NewMemoryStore(0, zap.NewNop())
	task := models.NewTask(1, "0xBuyer", "Bengal", models.ProviderRequest{})
	require.NoError(t, s.Create(context.Background(), task))
	return New(s, testTimeouts(), testPolicy(), zap.NewNop()), s, task
}

func TestRunStage(t *testing.T) {
	ctx := context.Background()

	t.Run("writes progress bucket before attempts", func(t *testing.T) {
		exec, s, task := newFixture(t)

		err := exec.RunStage(ctx, task.ID, models.StageIPFS, "Uploading metadata", func(ctx context.Context) error {
			got, err := s.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusInProgress, got.Status)
			assert.Equal(t, models.StageIPFS, got.Stage)
			assert.Equal(t, 75, got.Progress)
			assert.Equal(t, "Uploading metadata", got.Message)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("transient failure retries then succeeds", func(t *testing.T) {
		exec, s, task := newFixture(t)

		calls := 0
		err := exec.RunStage(ctx, task.ID, models.StageArt, "art", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return models.NewFailure(models.KindProviderTransient, "op", errors.New("503"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)

		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Attempts[models.StageArt])
	})

	t.Run("retry budget exhausts", func(t *testing.T) {
		exec, s, task := newFixture(t)

		calls := 0
		stageErr := models.NewFailure(models.KindProviderRateLimited, "op", errors.New("429"))
		err := exec.RunStage(ctx, task.ID, models.StageArt, "art", func(ctx context.Context) error {
			calls++
			return stageErr
		})
		assert.Equal(t, models.KindProviderRateLimited, models.KindOf(err))
		assert.Equal(t, 3, calls)

		got, err2 := s.Get(ctx, task.ID)
		require.NoError(t, err2)
		assert.Equal(t, 3, got.Attempts[models.StageArt])
	})

	t.Run("non-retryable failure surfaces immediately", func(t *testing.T) {
		exec, _, task := newFixture(t)

		calls := 0
		err := exec.RunStage(ctx, task.ID, models.StageArt, "art", func(ctx context.Context) error {
			calls++
			return models.NewFailure(models.KindProviderInvalidRequest, "op", errors.New("400"))
		})
		assert.Equal(t, models.KindProviderInvalidRequest, models.KindOf(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("attempt timeout reclassifies as transient", func(t *testing.T) {
		s := store.NewMemoryStore(0, zap.NewNop())
		task := models.NewTask(2, "0xBuyer", "Bengal", models.ProviderRequest{})
		require.NoError(t, s.Create(ctx, task))

		timeouts := testTimeouts()
		timeouts.Metadata = 10 * time.Millisecond
		exec := New(s, timeouts, testPolicy(), zap.NewNop())

		calls := 0
		err := exec.RunStage(ctx, task.ID, models.StageMetadata, "meta", func(attemptCtx context.Context) error {
			calls++
			<-attemptCtx.Done()
			return attemptCtx.Err()
		})
		assert.Equal(t, models.KindProviderTransient, models.KindOf(err))
		assert.Equal(t, 3, calls, "timed-out attempts use the retry budget")
	})

	t.Run("expired parent context attempts nothing", func(t *testing.T) {
		exec, _, task := newFixture(t)

		dctx, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
		defer cancel()

		calls := 0
		err := exec.RunStage(dctx, task.ID, models.StageArt, "art", func(ctx context.Context) error {
			calls++
			return nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, calls, "work that might ignore its context must not start")
	})

	t.Run("cancelled parent context stops the loop", func(t *testing.T) {
		exec, _, task := newFixture(t)

		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		err := exec.RunStage(cctx, task.ID, models.StageArt, "art", func(ctx context.Context) error {
			calls++
			cancel()
			return models.NewFailure(models.KindProviderTransient, "op", errors.New("503"))
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestBackoffDelay(t *testing.T) {
	exec := New(store.NewMemoryStore(0, zap.NewNop()), testTimeouts(), RetryPolicy{
		MaxAttempts:      3,
		InitialDelay:     2 * time.Second,
		MaxDelay:         30 * time.Second,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}, zap.NewNop())

	for i := 0; i < 100; i++ {
		d1 := exec.backoffDelay(1)
		assert.InDelta(t, float64(2*time.Second), float64(d1), float64(2*time.Second)*0.21)

		d2 := exec.backoffDelay(2)
		assert.InDelta(t, float64(4*time.Second), float64(d2), float64(4*time.Second)*0.21)

		d10 := exec.backoffDelay(10)
		assert.LessOrEqual(t, d10, 36*time.Second, "cap plus jitter bounds the delay")
	}
}

// scriptedProvider returns queued results per call for fallback tests.
type scriptedProvider struct {
	name     string
	results  []error
	image    []byte
	disabled bool
	calls    int
}

func (p *scriptedProvider) Name() string { return p.name }
func (p *scriptedProvider) Generate(ctx context.Context, prompt, negativePrompt string, req models.ProviderRequest) ([]byte, error) {
	idx := p.calls
	p.calls++
	if idx < len(p.results) && p.results[idx] != nil {
		return nil, p.results[idx]
	}
	return p.image, nil
}
func (p *scriptedProvider) DescribeOptions() map[string]string { return nil }
func (p *scriptedProvider) SupportedModels() []string          { return nil }
func (p *scriptedProvider) Enabled() bool                      { return !p.disabled }

func invalidRequest() error {
	return models.NewFailure(models.KindProviderInvalidRequest, "op", errors.New("400"))
}

func unavailable() error {
	return models.NewFailure(models.KindProviderUnavailable, "op", errors.New("401"))
}

func transient() error {
	return models.NewFailure(models.KindProviderTransient, "op", errors.New("503"))
}

func TestGenerateArt(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, dalle, stability, hf *scriptedProvider) (*Executor, *store.MemoryStore, *models.Task, *providers.Registry) {
		t.Helper()
		s := store.NewMemoryStore(0, zap.NewNop())
		task := models.NewTask(1, "0xBuyer", "Bengal", models.ProviderRequest{Provider: models.ProviderDallE})
		require.NoError(t, s.Create(ctx, task))
		exec := New(s, testTimeouts(), testPolicy(), zap.NewNop())
		reg := providers.NewRegistry(dalle, stability, hf, zap.NewNop())
		return exec, s, task, reg
	}

	t.Run("requested provider succeeds", func(t *testing.T) {
		dalle := &scriptedProvider{name: models.ProviderDallE, image: []byte("img")}
		stability := &scriptedProvider{name: models.ProviderStability}
		hf := &scriptedProvider{name: models.ProviderHuggingFace}
		exec, _, task, reg := setup(t, dalle, stability, hf)

		img, name, err := exec.GenerateArt(ctx, task.ID, reg, "prompt", "neg", task.Request)
		require.NoError(t, err)
		assert.Equal(t, []byte("img"), img)
		assert.Equal(t, models.ProviderDallE, name)
		assert.Equal(t, 0, stability.calls)
	})

	t.Run("invalid request falls back to next provider", func(t *testing.T) {
		dalle := &scriptedProvider{name: models.ProviderDallE, results: []error{invalidRequest()}}
		stability := &scriptedProvider{name: models.ProviderStability, image: []byte("stab-img")}
		hf := &scriptedProvider{name: models.ProviderHuggingFace}
		exec, _, task, reg := setup(t, dalle, stability, hf)

		img, name, err := exec.GenerateArt(ctx, task.ID, reg, "prompt", "neg", task.Request)
		require.NoError(t, err)
		assert.Equal(t, []byte("stab-img"), img)
		assert.Equal(t, models.ProviderStability, name)
		assert.Equal(t, 1, dalle.calls)
	})

	t.Run("unavailable walks the whole chain", func(t *testing.T) {
		dalle := &scriptedProvider{name: models.ProviderDallE, disabled: true, results: []error{unavailable()}}
		stability := &scriptedProvider{name: models.ProviderStability, disabled: true, results: []error{unavailable()}}
		hf := &scriptedProvider{name: models.ProviderHuggingFace, image: []byte("hf-img")}
		exec, _, task, reg := setup(t, dalle, stability, hf)

		img, name, err := exec.GenerateArt(ctx, task.ID, reg, "prompt", "neg", task.Request)
		require.NoError(t, err)
		assert.Equal(t, []byte("hf-img"), img)
		assert.Equal(t, models.ProviderHuggingFace, name)
		assert.Equal(t, 1, dalle.calls, "a provider without a credential is never retried")
		assert.Equal(t, 1, stability.calls)
	})

	t.Run("enabled provider gets one more pass on unavailable", func(t *testing.T) {
		dalle := &scriptedProvider{name: models.ProviderDallE, results: []error{unavailable()}, image: []byte("img")}
		stability := &scriptedProvider{name: models.ProviderStability, image: []byte("never")}
		hf := &scriptedProvider{name: models.ProviderHuggingFace}
		exec, _, task, reg := setup(t, dalle, stability, hf)

		img, name, err := exec.GenerateArt(ctx, task.ID, reg, "prompt", "neg", task.Request)
		require.NoError(t, err)
		assert.Equal(t, []byte("img"), img)
		assert.Equal(t, models.ProviderDallE, name)
		assert.Equal(t, 2, dalle.calls, "an auth blip on a configured provider is retried once")
		assert.Equal(t, 0, stability.calls)
	})

	t.Run("enabled provider falls back after the extra pass", func(t *testing.T) {
		dalle := &scriptedProvider{name: models.ProviderDallE, results: []error{unavailable(), unavailable()}}
		stability := &scriptedProvider{name: models.ProviderStability, image: []byte("stab-img")}
		hf := &scriptedProvider{name: models.ProviderHuggingFace}
		exec, _, task, reg := setup(t, dalle, stability, hf)

		img, name, err := exec.GenerateArt(ctx, task.ID, reg, "prompt", "neg", task.Request)
		require.NoError(t, err)
		assert.Equal(t, []byte("stab-img"), img)
		assert.Equal(t, models.ProviderStability, name)
		assert.Equal(t, 2, dalle.calls)
	})

	t.Run("exhausted transient retries do not fall back", func(t *testing.T) {
		dalle := &scriptedProvider{name: models.ProviderDallE, results: []error{transient(), transient(), transient()}}
		stability := &scriptedProvider{name: models.ProviderStability, image: []byte("never")}
		hf := &scriptedProvider{name: models.ProviderHuggingFace}
		exec, _, task, reg := setup(t, dalle, stability, hf)

		_, _, err := exec.GenerateArt(ctx, task.ID, reg, "prompt", "neg", task.Request)
		assert.Equal(t, models.KindProviderTransient, models.KindOf(err))
		assert.Equal(t, 3, dalle.calls)
		assert.Equal(t, 0, stability.calls, "transient exhaustion fails the stage outright")
	})

	t.Run("all providers unusable surfaces last error", func(t *testing.T) {
		dalle := &scriptedProvider{name: models.ProviderDallE, disabled: true, results: []error{unavailable()}}
		stability := &scriptedProvider{name: models.ProviderStability, disabled: true, results: []error{unavailable()}}
		hf := &scriptedProvider{name: models.ProviderHuggingFace, disabled: true, results: []error{unavailable()}}
		exec, _, task, reg := setup(t, dalle, stability, hf)

		_, _, err := exec.GenerateArt(ctx, task.ID, reg, "prompt", "neg", task.Request)
		assert.Equal(t, models.KindProviderUnavailable, models.KindOf(err))
	})
}
