package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"tokenledger/internal/model"
	"tokenledger/internal/repository"
	"tokenledger/internal/service"
)

const queueGroup = "worker_group"

// EntryWorker listens on the entry-created topic and archives every event
// into Postgres.
type EntryWorker struct {
	svc      service.LedgerService
	natsConn *nats.Conn
	logger   *slog.Logger
}

func NewEntryWorker(svc service.LedgerService, nc *nats.Conn, logger *slog.Logger) *EntryWorker {
	return &EntryWorker{
		svc:      svc,
		natsConn: nc,
		logger:   logger,
	}
}

// Run subscribes to the entry topic and blocks until ctx is cancelled.
func (w *EntryWorker) Run(ctx context.Context) error {
	// Each message goes to exactly one member of the queue group.
	sub, err := w.natsConn.QueueSubscribe(repository.TopicEntryCreated, queueGroup, func(m *nats.Msg) {
		_ = w.process(ctx, m.Data)
	})
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	w.logger.Info("entry worker is running", "topic", repository.TopicEntryCreated)

	<-ctx.Done()

	w.logger.Info("entry worker received shutdown signal, draining subscription")
	return sub.Drain()
}

func (w *EntryWorker) process(ctx context.Context, data []byte) error {
	var event model.EntryEvent
	if err := json.Unmarshal(data, &event); err != nil {
		w.logger.Error("worker: failed to unmarshal nats message", "error", err)
		return err
	}

	// Archive is idempotent on the entry id, so redelivery is harmless.
	if err := w.svc.SyncEntry(ctx, event); err != nil {
		w.logger.Error("worker: failed to archive entry",
			"user_id", event.Entry.UserID,
			"entry_id", event.Entry.ID,
			"error", err,
		)
		return err
	}

	w.logger.Debug("worker: entry archived",
		"user_id", event.Entry.UserID,
		"entry_id", event.Entry.ID,
		"version", event.Account.Version,
	)
	return nil
}

// Start implements the infrastructure.Server interface.
func (w *EntryWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop is a no-op; shutdown goes through ctx.
func (w *EntryWorker) Stop(ctx context.Context) error {
	return nil
}
