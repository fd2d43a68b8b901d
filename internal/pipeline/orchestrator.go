package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/chain"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/executor"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/ipfs"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/providers"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/store"
)

// TokenURIWriter is the slice of the chain client the orchestrator needs
// for commits.
type TokenURIWriter interface {
	SetTokenURI(ctx context.Context, tokenID uint64, uri string) (string, error)
}

// Uploader is the slice of the IPFS client the orchestrator needs. The
// metadata document is serialized by the METADATA stage, so both uploads
// go through the raw byte path.
type Uploader interface {
	UploadBytes(ctx context.Context, data []byte, contentType, name string) (string, error)
}

// StatusPublisher pushes task transitions to interested operators. A nil
// publisher disables publishing.
type StatusPublisher interface {
	PublishStatus(update *models.TaskStatusUpdate) error
}

// ImageArchiver stores generated images for audit. A nil archiver
// disables archiving; archive failures never fail the task.
type ImageArchiver interface {
	ArchiveImage(ctx context.Context, tokenID uint64, data []byte) error
}

type commitRequest struct {
	taskID  string
	tokenID uint64
	uri     string
	respCh  chan commitResult
}

type commitResult struct {
	txHash string
	err    error
}

// Orchestrator sequences each task through ART, METADATA, IPFS, and
// TOKENURI, writing every transition into the task store. It is the only
// writer of task state.
type Orchestrator struct {
	store    store.TaskStore
	registry *providers.Registry
	uploader Uploader
	writer   TokenURIWriter
	exec     *executor.Executor

	publisher StatusPublisher
	archiver  ImageArchiver

	queue    chan string
	commits  chan commitRequest
	deadline time.Duration
	workers  int

	logger *zap.Logger
}

// New creates an Orchestrator. workers caps concurrent task execution;
// deadline bounds each task end to end.
func New(taskStore store.TaskStore, registry *providers.Registry, uploader Uploader,
	writer TokenURIWriter, exec *executor.Executor, workers int, deadline time.Duration,
	logger *zap.Logger) *Orchestrator {

	if workers <= 0 {
		workers = 4
	}
	if deadline <= 0 {
		deadline = 120 * time.Second
	}
	return &Orchestrator{
		store:    taskStore,
		registry: registry,
		uploader: uploader,
		writer:   writer,
		exec:     exec,
		queue:    make(chan string, 256),
		commits:  make(chan commitRequest, 64),
		deadline: deadline,
		workers:  workers,
		logger:   logger.Named("orchestrator"),
	}
}

// WithPublisher attaches an optional status publisher.
func (o *Orchestrator) WithPublisher(p StatusPublisher) *Orchestrator {
	o.publisher = p
	return o
}

// WithArchiver attaches an optional image archiver.
func (o *Orchestrator) WithArchiver(a ImageArchiver) *Orchestrator {
	o.archiver = a
	return o
}

// Run starts the worker pool and the commit loop, blocking until the
// context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.commitLoop(gctx)
		return nil
	})
	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			o.workerLoop(gctx)
			return nil
		})
	}

	o.logger.Info("Orchestrator running",
		zap.Int("workers", o.workers),
		zap.Duration("task_deadline", o.deadline),
	)
	return g.Wait()
}

// StartTask creates a PENDING task for an observed mint and enqueues it.
// Unknown breeds are rejected here and never create a task.
func (o *Orchestrator) StartTask(ctx context.Context, ev chain.MintEvent, req models.ProviderRequest) (*models.Task, error) {
	if !providers.KnownBreed(ev.Breed) {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownBreed, ev.Breed)
	}

	task := models.NewTask(ev.TokenID, ev.Buyer, ev.Breed, req.Normalize())
	task.BlockNumber = ev.BlockNumber
	task.MintTxHash = ev.TxHash

	if err := o.store.Create(ctx, task); err != nil {
		return nil, err
	}

	o.logger.Info("Task created for mint",
		zap.String("task_id", task.ID),
		zap.Uint64("token_id", task.TokenID),
		zap.String("breed", task.Breed),
	)

	select {
	case o.queue <- task.ID:
	default:
		// Queue full; the task stays PENDING and an operator can requeue
		// by restarting, which re-enqueues unfinished tasks.
		o.logger.Warn("Task queue full, task left pending", zap.String("task_id", task.ID))
	}
	return task, nil
}

// Recover re-enqueues tasks that were in flight when the process last
// stopped. Called once at startup.
func (o *Orchestrator) Recover(ctx context.Context) error {
	for _, status := range []models.TaskStatus{models.StatusPending, models.StatusInProgress} {
		tasks, err := o.store.List(ctx, store.TaskFilter{Status: status})
		if err != nil {
			return fmt.Errorf("listing %s tasks for recovery: %w", status, err)
		}
		for _, t := range tasks {
			select {
			case o.queue <- t.ID:
				o.logger.Info("Re-enqueued unfinished task", zap.String("task_id", t.ID))
			default:
				o.logger.Warn("Task queue full during recovery", zap.String("task_id", t.ID))
			}
		}
	}
	return nil
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-o.queue:
			o.runTask(ctx, taskID)
		}
	}
}

// runTask drives one task through the pipeline under the whole-task
// deadline. Between stages it re-reads the task from the store so it
// never acts on stale state.
func (o *Orchestrator) runTask(ctx context.Context, taskID string) {
	task, err := o.store.Get(ctx, taskID)
	if err != nil {
		o.logger.Error("Failed to load task for execution", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if task.Terminal() {
		o.logger.Debug("Skipping terminal task", zap.String("task_id", taskID))
		return
	}

	// The deadline counts from task creation, so time spent queued behind
	// other tasks burns the same budget the client polls against.
	taskCtx, cancel := context.WithDeadline(ctx, task.CreatedAt.Add(o.deadline))
	defer cancel()

	logger := o.logger.With(zap.String("task_id", taskID), zap.Uint64("token_id", task.TokenID))
	logger.Info("Starting mint generation pipeline", zap.String("breed", task.Breed))

	if err := o.executeStages(taskCtx, task, logger); err != nil {
		o.finalizeFailure(context.WithoutCancel(taskCtx), taskID, err, logger)
		return
	}

	logger.Info("Mint generation pipeline completed")
}

func (o *Orchestrator) executeStages(ctx context.Context, task *models.Task, logger *zap.Logger) error {
	taskID := task.ID

	// ART: generate image bytes, then pin them while the art stage is
	// still current so METADATA can embed the CID.
	prompt, err := providers.BuildPrompt(task.Breed, task.Request.PromptExtras)
	if err != nil {
		return err
	}
	negative := providers.NegativePrompt(task.Request)

	if task.Artifact.ImageCID == "" {
		image, providerName, err := o.exec.GenerateArt(ctx, taskID, o.registry, prompt, negative, task.Request)
		if err != nil {
			return err
		}

		if o.archiver != nil {
			if archErr := o.archiver.ArchiveImage(ctx, task.TokenID, image); archErr != nil {
				logger.Warn("Failed to archive generated image", zap.Error(archErr))
			}
		}

		// The pin goes through the stage runner so a flaky node retries
		// with backoff instead of failing the task outright.
		var imageCID string
		err = o.exec.RunStage(ctx, taskID, models.StageArt, "Pinning artwork", func(stageCtx context.Context) error {
			cid, upErr := o.uploader.UploadBytes(stageCtx, image, "image/png", fmt.Sprintf("kitty-%d.png", task.TokenID))
			if upErr != nil {
				return upErr
			}
			imageCID = cid
			return nil
		})
		if err != nil {
			return err
		}

		task, err = o.updateAndPublish(ctx, taskID, store.TaskPatch{
			ImageCID: store.StrPtr(imageCID),
			Provider: store.StrPtr(providerName),
			Message:  store.StrPtr("Artwork generated and pinned"),
		})
		if err != nil {
			return err
		}
		logger.Info("Art stage complete", zap.String("image_cid", imageCID), zap.String("provider", providerName))
	}

	// METADATA: deterministic JSON embedding the pinned image.
	if task.Artifact.MetadataJSON == "" {
		var metadataJSON string
		err = o.exec.RunStage(ctx, taskID, models.StageMetadata, "Building token metadata", func(stageCtx context.Context) error {
			_, raw, buildErr := BuildMetadata(task.TokenID, task.Breed, task.Artifact.Provider, task.Artifact.ImageCID)
			if buildErr != nil {
				return buildErr
			}
			metadataJSON = raw
			return nil
		})
		if err != nil {
			return err
		}

		task, err = o.updateAndPublish(ctx, taskID, store.TaskPatch{
			MetadataJSON: store.StrPtr(metadataJSON),
			Message:      store.StrPtr("Token metadata built"),
		})
		if err != nil {
			return err
		}
	}

	// IPFS: pin the metadata document and mint the tokenURI.
	if task.Artifact.TokenURI == "" {
		var metadataCID string
		err = o.exec.RunStage(ctx, taskID, models.StageIPFS, "Uploading metadata to IPFS", func(stageCtx context.Context) error {
			cid, upErr := o.uploader.UploadBytes(stageCtx, []byte(task.Artifact.MetadataJSON), "application/json", "metadata.json")
			if upErr != nil {
				return upErr
			}
			metadataCID = cid
			return nil
		})
		if err != nil {
			return err
		}

		tokenURI := ipfs.ToURI(metadataCID)
		task, err = o.updateAndPublish(ctx, taskID, store.TaskPatch{
			MetadataCID: store.StrPtr(metadataCID),
			TokenURI:    store.StrPtr(tokenURI),
			Message:     store.StrPtr("Metadata pinned"),
		})
		if err != nil {
			return err
		}
		logger.Info("IPFS stage complete", zap.String("token_uri", tokenURI))
	}

	// TOKENURI: the commit point. Never submitted twice for one task; a
	// task that already carries a txHash only needs finalization.
	if task.Artifact.TxHash == "" {
		var txHash string
		err = o.exec.RunStage(ctx, taskID, models.StageTokenURI, "Committing tokenURI on-chain", func(stageCtx context.Context) error {
			hash, commitErr := o.submitCommit(stageCtx, taskID, task.TokenID, task.Artifact.TokenURI)
			if commitErr != nil {
				return commitErr
			}
			txHash = hash
			return nil
		})
		if err != nil {
			return err
		}

		task, err = o.updateAndPublish(ctx, taskID, store.TaskPatch{
			TxHash:  store.StrPtr(txHash),
			Message: store.StrPtr("tokenURI committed"),
		})
		if err != nil {
			return err
		}
		logger.Info("TokenURI committed", zap.String("tx_hash", txHash))
	}

	_, err = o.updateAndPublish(ctx, taskID, store.TaskPatch{
		Status:   store.StatusPtr(models.StatusCompleted),
		Stage:    store.StagePtr(models.StageDone),
		Progress: store.IntPtr(100),
		Message:  store.StrPtr("Mint generation complete"),
	})
	return err
}

// submitCommit funnels a tokenURI write through the single-writer commit
// loop and waits for the outcome.
func (o *Orchestrator) submitCommit(ctx context.Context, taskID string, tokenID uint64, uri string) (string, error) {
	respCh := make(chan commitResult, 1)
	select {
	case o.commits <- commitRequest{taskID: taskID, tokenID: tokenID, uri: uri, respCh: respCh}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-respCh:
		return res.txHash, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// commitLoop serializes all setTokenURI submissions so the signer only
// ever has one transaction in flight.
func (o *Orchestrator) commitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-o.commits:
			txHash, err := o.writer.SetTokenURI(ctx, req.tokenID, req.uri)
			req.respCh <- commitResult{txHash: txHash, err: err}
		}
	}
}

// finalizeFailure records the terminal state for a failed or timed-out
// task. Captured artifacts (including a minted tokenUri) stay on the
// record for offline remediation.
func (o *Orchestrator) finalizeFailure(ctx context.Context, taskID string, cause error, logger *zap.Logger) {
	status := models.StatusFailed
	message := userSafeMessage(cause)
	if errors.Is(cause, context.DeadlineExceeded) {
		status = models.StatusTimeout
		message = "Generation timed out; artifacts preserved for retry"
	}

	if _, err := o.updateAndPublish(ctx, taskID, store.TaskPatch{
		Status:  store.StatusPtr(status),
		Message: store.StrPtr(message),
	}); err != nil && !errors.Is(err, models.ErrTaskFinalized) {
		logger.Error("Failed to record terminal task state", zap.Error(err))
	}

	logger.Warn("Task finalized without completion",
		zap.String("status", string(status)),
		zap.Error(cause),
	)
}

// userSafeMessage maps internal failures to messages fit for API clients.
// Provider and node error text never leaks through.
func userSafeMessage(err error) string {
	switch models.KindOf(err) {
	case models.KindProviderRateLimited:
		return "Image provider is rate limiting; generation failed"
	case models.KindProviderTransient, models.KindProviderUnavailable:
		return "Image provider unavailable; generation failed"
	case models.KindProviderInvalidRequest:
		return "Image provider rejected the request"
	case models.KindIPFSTransient, models.KindIPFSQuota:
		return "IPFS upload failed"
	case models.KindChainUnavailable:
		return "Chain RPC unavailable; tokenURI not committed"
	}
	if errors.Is(err, models.ErrUnknownBreed) {
		return "Unknown breed"
	}
	return "Generation failed"
}

func (o *Orchestrator) updateAndPublish(ctx context.Context, taskID string, patch store.TaskPatch) (*models.Task, error) {
	task, err := o.store.Update(ctx, taskID, patch)
	if err != nil {
		return nil, err
	}
	if o.publisher != nil {
		if pubErr := o.publisher.PublishStatus(models.NewTaskStatusUpdate(task)); pubErr != nil {
			o.logger.Warn("Failed to publish status update",
				zap.String("task_id", taskID),
				zap.Error(pubErr),
			)
		}
	}
	return task, nil
}
