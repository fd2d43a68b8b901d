package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/config"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/providers"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/store"
)

// RetryPolicy controls the per-stage attempt loop.
type RetryPolicy struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BackoffFactor    float64
	JitterPercentage float64
}

// DefaultRetryPolicy matches the documented stage policy: three attempts,
// exponential backoff from 2s, capped at 30s between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		InitialDelay:     2 * time.Second,
		MaxDelay:         30 * time.Second,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}
}

// StageFunc performs one attempt of a stage's work under the attempt
// context. It must honor ctx cancellation.
type StageFunc func(ctx context.Context) error

// Executor runs stages with timeout, classified retry, and progress
// reporting. The orchestrator owns stage sequencing; the executor owns
// everything inside one stage.
type Executor struct {
	store    store.TaskStore
	timeouts config.StageTimeouts
	policy   RetryPolicy
	logger   *zap.Logger
}

// New creates an Executor.
func New(taskStore store.TaskStore, timeouts config.StageTimeouts, policy RetryPolicy, logger *zap.Logger) *Executor {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Executor{
		store:    taskStore,
		timeouts: timeouts,
		policy:   policy,
		logger:   logger.Named("executor"),
	}
}

func (e *Executor) stageTimeout(stage models.TaskStage) time.Duration {
	switch stage {
	case models.StageArt:
		return e.timeouts.Art
	case models.StageMetadata:
		return e.timeouts.Metadata
	case models.StageIPFS:
		return e.timeouts.IPFS
	case models.StageTokenURI:
		return e.timeouts.TokenURI
	default:
		return 30 * time.Second
	}
}

// RunStage marks the stage on the task (progress bucket plus message),
// then drives fn through the attempt loop. Retryable failures back off
// and retry up to the policy bound; anything else surfaces immediately
// for the orchestrator to decide fallback or failure.
func (e *Executor) RunStage(ctx context.Context, taskID string, stage models.TaskStage, message string, fn StageFunc) error {
	if _, err := e.store.Update(ctx, taskID, store.TaskPatch{
		Status:   store.StatusPtr(models.StatusInProgress),
		Stage:    store.StagePtr(stage),
		Progress: store.IntPtr(models.StageProgress(stage)),
		Message:  store.StrPtr(message),
	}); err != nil {
		return fmt.Errorf("recording stage start: %w", err)
	}

	timeout := e.stageTimeout(stage)
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		// A task past its deadline must not attempt work the fn might
		// complete regardless of its context.
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := e.store.Update(ctx, taskID, store.TaskPatch{IncrementAttempt: store.StagePtr(stage)}); err != nil {
			return fmt.Errorf("recording stage attempt: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		// The whole-task deadline dominates everything; once the parent
		// context is gone there is nothing left to retry.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, context.DeadlineExceeded) {
			lastErr = models.NewFailure(models.KindProviderTransient, string(stage),
				fmt.Errorf("stage attempt timed out after %s", timeout))
		}

		if !models.Retryable(lastErr) || attempt == e.policy.MaxAttempts {
			e.logger.Warn("Stage attempt failed without remaining retries",
				zap.String("task_id", taskID),
				zap.String("stage", string(stage)),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			return lastErr
		}

		delay := e.backoffDelay(attempt)
		e.logger.Warn("Retrying stage after transient failure",
			zap.String("task_id", taskID),
			zap.String("stage", string(stage)),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", delay),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoffDelay computes the sleep before the next attempt: exponential
// from InitialDelay, capped at MaxDelay, with +/- jitter.
func (e *Executor) backoffDelay(attempt int) time.Duration {
	delay := e.policy.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * e.policy.BackoffFactor)
		if delay > e.policy.MaxDelay {
			delay = e.policy.MaxDelay
			break
		}
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * e.policy.JitterPercentage * float64(delay))
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return delay
}

// GenerateArt runs the art stage across the provider fallback chain. Each
// provider gets the stage's retry budget for retryable failures; an
// enabled provider answering Unavailable gets one extra pass, anything
// else moves straight to the next provider in the fixed order. The
// returned provider name is what actually produced the image.
func (e *Executor) GenerateArt(ctx context.Context, taskID string, registry *providers.Registry,
	prompt, negativePrompt string, req models.ProviderRequest) ([]byte, string, error) {

	chain := registry.FallbackChain(req.Provider)
	if len(chain) == 0 {
		return nil, "", models.NewFailure(models.KindProviderUnavailable, "GenerateArt",
			fmt.Errorf("no providers registered"))
	}

	var image []byte
	var lastErr error

	for i, provider := range chain {
		p := provider
		message := fmt.Sprintf("Generating artwork with %s", p.Name())
		if i > 0 {
			message = fmt.Sprintf("Falling back to %s for artwork", p.Name())
		}

		run := func(msg string) error {
			return e.RunStage(ctx, taskID, models.StageArt, msg, func(attemptCtx context.Context) error {
				bytes, genErr := p.Generate(attemptCtx, prompt, negativePrompt, req)
				if genErr != nil {
					return genErr
				}
				image = bytes
				return nil
			})
		}

		err := run(message)
		if err != nil && ctx.Err() == nil && p.Enabled() &&
			models.KindOf(err) == models.KindProviderUnavailable {
			// A 401/403 from a provider with a configured credential may
			// be a momentary auth hiccup rather than a revoked key; one
			// more pass before abandoning it. Providers with no key skip
			// straight to the next in line.
			err = run(fmt.Sprintf("Retrying %s for artwork", p.Name()))
		}
		if err == nil {
			return image, p.Name(), nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, "", err
		}
		// Only semantic failures promote to the next provider; an
		// exhausted retry budget on a transient failure fails the stage.
		if !models.FallbackEligible(err) {
			return nil, "", err
		}

		e.logger.Info("Provider unusable, moving down fallback order",
			zap.String("task_id", taskID),
			zap.String("provider", p.Name()),
			zap.Error(err),
		)
	}

	return nil, "", lastErr
}
