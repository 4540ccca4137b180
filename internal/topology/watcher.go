package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
)

// Пауза, за которую серия событий файла сводится в одну перезагрузку.
const defaultDebounce = 200 * time.Millisecond

// Applier применяет снимок топологии (реализуется service.PoolInfoChangeHandler).
type Applier interface {
	Apply(ctx context.Context, t *model.Topology) (*poolinfo.Diff, error)
}

// Watcher загружает снимок из файла при старте и повторно при каждом
// его изменении. Отслеживается каталог файла, так как файл может
// заменяться переименованием.
type Watcher struct {
	path     string
	applier  Applier
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher создаёт наблюдатель файла топологии.
func NewWatcher(path string, applier Applier, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		applier:  applier,
		debounce: defaultDebounce,
		logger:   logger.With(slog.String("component", "topology-watcher")),
	}
}

// Start применяет текущий снимок и запускает отслеживание файла.
// Ошибка первой загрузки возвращается вызывающему.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Reload(ctx); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("создание fsnotify: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("отслеживание %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(runCtx)

	w.logger.Info("Отслеживание файла топологии запущено", slog.String("path", w.path))
	return nil
}

// Stop прекращает отслеживание.
func (w *Watcher) Stop() {
	if w == nil || w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	_ = w.watcher.Close()
}

// Reload загружает файл и применяет снимок.
func (w *Watcher) Reload(ctx context.Context) error {
	t, err := Load(w.path)
	if err != nil {
		return err
	}
	t.ReceivedAt = time.Now()
	diff, err := w.applier.Apply(ctx, t)
	if err != nil {
		return fmt.Errorf("применение топологии: %w", err)
	}
	w.logger.Info("Снимок топологии загружен из файла",
		slog.String("path", w.path),
		slog.Bool("changed", !diff.IsEmpty()),
	)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Ошибка fsnotify", slog.Any("error", err))
		case <-timerC:
			timerC = nil
			if err := w.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("Снимок топологии из файла отклонён",
					slog.String("path", w.path),
					slog.Any("error", err),
				)
			}
		}
	}
}

// relevant отбирает события самого файла и symlink-замены ConfigMap.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == w.path || filepath.Base(name) == "..data"
}
