package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/singleflight"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/repository"
)

// Namespace - доступ к атрибутам и расположениям файлов
// (реализуется repository.NamespaceRepository).
type Namespace interface {
	GetFileAttributes(ctx context.Context, pnfsID model.PnfsID) (*model.FileAttributes, error)
	GetLocations(ctx context.Context, pnfsID model.PnfsID) ([]string, error)
	ListFilesOnPool(ctx context.Context, pool string, fn func(model.PnfsID) error) error
}

// NamespaceAccess - адаптер namespace для обработчиков. Одновременные
// запросы атрибутов одного файла объединяются через singleflight.
type NamespaceAccess struct {
	ns     Namespace
	group  singleflight.Group
	logger *slog.Logger
}

// NewNamespaceAccess создаёт адаптер namespace.
func NewNamespaceAccess(ns Namespace, logger *slog.Logger) *NamespaceAccess {
	return &NamespaceAccess{
		ns:     ns,
		logger: logger.With(slog.String("component", "namespace")),
	}
}

// RequiredAttributes загружает атрибуты файла. Отсутствующий файл
// возвращает ErrFileNotFound. Каждый вызывающий получает свою копию.
func (a *NamespaceAccess) RequiredAttributes(ctx context.Context, pnfsID model.PnfsID) (*model.FileAttributes, error) {
	v, err, _ := a.group.Do(string(pnfsID), func() (any, error) {
		return a.ns.GetFileAttributes(ctx, pnfsID)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", pnfsID, ErrFileNotFound)
		}
		return nil, fmt.Errorf("атрибуты %s: %w", pnfsID, err)
	}
	attrs := *v.(*model.FileAttributes)
	attrs.Locations = slices.Clone(attrs.Locations)
	return &attrs, nil
}

// RefreshLocations перечитывает расположения файла в attrs.
func (a *NamespaceAccess) RefreshLocations(ctx context.Context, attrs *model.FileAttributes) error {
	locations, err := a.ns.GetLocations(ctx, attrs.PnfsID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%s: %w", attrs.PnfsID, ErrFileNotFound)
		}
		return fmt.Errorf("расположения %s: %w", attrs.PnfsID, err)
	}
	attrs.Locations = locations
	return nil
}

// ValidateAttributes загружает атрибуты в update. Возвращает false, если
// файл удалён или (для QOS_MODIFIED) не имеет расположений.
func (a *NamespaceAccess) ValidateAttributes(ctx context.Context, update *model.FileUpdate) (bool, error) {
	if update.Attributes == nil {
		attrs, err := a.RequiredAttributes(ctx, update.PnfsID)
		if errors.Is(err, ErrFileNotFound) {
			a.logger.Debug("Файл удалён, обновление пропущено", slog.String("pnfsid", string(update.PnfsID)))
			return false, nil
		}
		if err != nil {
			return false, err
		}
		update.Attributes = attrs
	}
	if update.Type == model.MessageQoSModified && len(update.Attributes.Locations) == 0 {
		return false, nil
	}
	return true, nil
}

// FilesOnPool перебирает файлы, расположенные на пуле.
func (a *NamespaceAccess) FilesOnPool(ctx context.Context, pool string, fn func(model.PnfsID) error) error {
	return a.ns.ListFilesOnPool(ctx, pool, fn)
}
