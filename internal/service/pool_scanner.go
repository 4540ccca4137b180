package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/executor"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolop"
)

// ScanReporter принимает результат скана (реализуется poolop.Map).
type ScanReporter interface {
	ScanCompleted(pool string, children int, err error)
}

// PoolScanner перебирает файлы пула из namespace и передаёт каждый
// в HandleScannedLocation. Скан выполняется на updateService.
type PoolScanner struct {
	handler   *FileOperationHandler
	namespace *NamespaceAccess
	service   *executor.Pool
	reporter  ScanReporter
	logger    *slog.Logger
}

// NewPoolScanner создаёт исполнителя сканов.
func NewPoolScanner(handler *FileOperationHandler, namespace *NamespaceAccess, service *executor.Pool, logger *slog.Logger) *PoolScanner {
	return &PoolScanner{
		handler:   handler,
		namespace: namespace,
		service:   service,
		logger:    logger.With(slog.String("component", "pool-scanner")),
	}
}

// SetReporter задаёт получателя результатов. Вызывается до первого скана.
func (s *PoolScanner) SetReporter(r ScanReporter) {
	s.reporter = r
}

type scanTask struct {
	once   sync.Once
	cancel context.CancelFunc
}

func (t *scanTask) Cancel() {
	t.once.Do(t.cancel)
}

// StartScan запускает скан асинхронно. Результат сообщается через
// ScanReporter из другой горутины.
func (s *PoolScanner) StartScan(req poolop.ScanRequest) poolop.ScanTask {
	ctx, cancel := context.WithCancel(context.Background())
	task := &scanTask{cancel: cancel}

	err := s.service.Submit(func(poolCtx context.Context) {
		defer cancel()
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()
		s.scan(ctx, req)
	})
	if err != nil {
		cancel()
		go s.reporter.ScanCompleted(req.Pool, 0, err)
	}
	return task
}

func (s *PoolScanner) scan(ctx context.Context, req poolop.ScanRequest) {
	start := time.Now()
	log := s.logger.With(slog.String("pool", req.Pool), slog.String("type", string(req.Type)))

	children, files := 0, 0
	err := s.namespace.FilesOnPool(ctx, req.Pool, func(pnfsID model.PnfsID) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		files++
		update := model.NewFileUpdate(pnfsID, req.Pool, req.Type)
		update.Parent = req.Pool
		update.Group = req.Group
		update.Full = req.Force

		registered, err := s.handler.HandleScannedLocation(ctx, update, req.Unit)
		if err != nil {
			log.Debug("Файл пропущен при скане",
				slog.String("pnfsid", string(pnfsID)),
				slog.Any("error", err),
			)
			return nil
		}
		if registered {
			children++
		}
		return nil
	})

	scanFilesTotal.Add(float64(files))
	scanDuration.Observe(time.Since(start).Seconds())
	if errors.Is(err, context.Canceled) {
		log.Info("Скан пула отменён", slog.Int("files", files))
	} else if err != nil {
		log.Warn("Скан пула завершился ошибкой", slog.Any("error", err))
	} else {
		log.Info("Скан пула выполнен",
			slog.Int("files", files),
			slog.Int("operations", children),
			slog.Duration("duration", time.Since(start)),
		)
	}
	s.reporter.ScanCompleted(req.Pool, children, err)
}
