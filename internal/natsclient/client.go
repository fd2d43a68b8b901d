package natsclient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
)

// Connect establishes a connection to the NATS server with robust
// reconnect logic. Status publishing is best-effort, so the connection
// retries in the background rather than failing the pipeline.
func Connect(natsAddress string, logger *zap.Logger) (*nats.Conn, error) {
	logger.Info("Attempting to connect to NATS server", zap.String("address", natsAddress))

	nc, err := nats.Connect(
		natsAddress,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(50),
		nats.ReconnectWait(time.Second*5),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				logger.Warn("NATS disconnected (no specific error)")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed permanently. Will not attempt to reconnect.")
		}),
	)

	if err != nil {
		logger.Error("Failed to connect to NATS after retries", zap.Error(err))
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsAddress, err)
	}

	logger.Info("Successfully connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// StatusPublisher publishes task status updates to per-task subjects so
// operators and downstream consumers can follow mint progress without
// polling the HTTP API.
type StatusPublisher struct {
	nc            *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
}

// NewStatusPublisher creates a publisher. subjectPrefix defaults to
// "minting.tasks.status" when empty; updates for a task go to
// "<prefix>.<taskID>".
func NewStatusPublisher(nc *nats.Conn, subjectPrefix string, logger *zap.Logger) *StatusPublisher {
	if subjectPrefix == "" {
		subjectPrefix = "minting.tasks.status"
	}
	return &StatusPublisher{
		nc:            nc,
		subjectPrefix: subjectPrefix,
		logger:        logger.Named("nats_status_publisher"),
	}
}

// PublishStatus serializes the update and publishes it. Failures are
// returned for logging but never fail the task.
func (p *StatusPublisher) PublishStatus(update *models.TaskStatusUpdate) error {
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, update.TaskID)

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal status update for task %s: %w", update.TaskID, err)
	}

	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish status update to %s: %w", subject, err)
	}

	p.logger.Debug("Published task status update",
		zap.String("subject", subject),
		zap.String("status", string(update.Status)),
	)
	return nil
}
