package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
)

// OperationStore сохраняет операции над файлами между перезапусками
// (реализуется repository.CheckpointRepository).
type OperationStore interface {
	LoadOperations(ctx context.Context) ([]fileop.Snapshot, error)
	SaveOperations(ctx context.Context, ops []fileop.Snapshot) error
}

// Checkpointer периодически сохраняет операции карты в хранилище.
type Checkpointer struct {
	ops      *fileop.Map
	store    OperationStore
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCheckpointer создаёт сервис checkpoint (RS_CHECKPOINT_INTERVAL).
func NewCheckpointer(ops *fileop.Map, store OperationStore, interval time.Duration, logger *slog.Logger) *Checkpointer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Checkpointer{
		ops:      ops,
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("component", "checkpoint")),
	}
}

// Start запускает периодическое сохранение.
func (c *Checkpointer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := c.Save(runCtx); err != nil {
					c.logger.Error("Ошибка сохранения checkpoint", slog.Any("error", err))
				}
			}
		}
	}()
	c.logger.Info("Checkpoint операций запущен", slog.Duration("interval", c.interval))
}

// Stop останавливает периодическое сохранение и выполняет финальное.
func (c *Checkpointer) Stop(ctx context.Context) {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	if err := c.Save(ctx); err != nil {
		c.logger.Error("Ошибка финального сохранения checkpoint", slog.Any("error", err))
	}
}

// Save сохраняет текущие операции карты.
func (c *Checkpointer) Save(ctx context.Context) error {
	start := time.Now()
	snapshots := c.ops.Snapshots()
	if err := c.store.SaveOperations(ctx, snapshots); err != nil {
		return fmt.Errorf("сохранение %d операций: %w", len(snapshots), err)
	}
	checkpointDuration.Observe(time.Since(start).Seconds())
	checkpointRecords.Set(float64(len(snapshots)))
	c.logger.Debug("Checkpoint сохранён",
		slog.Int("records", len(snapshots)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}
