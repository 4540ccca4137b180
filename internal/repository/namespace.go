package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
)

// Размер страницы при переборе файлов пула.
const listBatchSize = 1000

// NamespaceRepository - чтение namespace: атрибуты файлов и пулы с их репликами.
type NamespaceRepository interface {
	// GetFileAttributes возвращает атрибуты файла вместе с расположениями.
	GetFileAttributes(ctx context.Context, pnfsID model.PnfsID) (*model.FileAttributes, error)
	// GetLocations возвращает текущие расположения файла.
	GetLocations(ctx context.Context, pnfsID model.PnfsID) ([]string, error)
	// ListFilesOnPool вызывает fn для каждого файла с репликой на пуле.
	// Ошибка fn прерывает перебор и возвращается вызывающему.
	ListFilesOnPool(ctx context.Context, pool string, fn func(model.PnfsID) error) error
}

type namespaceRepo struct {
	db DBTX
}

// NewNamespaceRepository создаёт репозиторий namespace.
func NewNamespaceRepository(db DBTX) NamespaceRepository {
	return &namespaceRepo{db: db}
}

func (r *namespaceRepo) GetFileAttributes(ctx context.Context, pnfsID model.PnfsID) (*model.FileAttributes, error) {
	query := `
		SELECT f.pnfsid, f.storage_class, f.hsm, f.retention_policy, f.access_latency,
		       f.size, f.access_time,
		       COALESCE(array_agg(l.pool ORDER BY l.pool) FILTER (WHERE l.pool IS NOT NULL), '{}')
		FROM files f
		LEFT JOIN file_locations l ON l.pnfsid = f.pnfsid
		WHERE f.pnfsid = $1
		GROUP BY f.pnfsid`

	a := &model.FileAttributes{}
	var retention, latency string
	err := r.db.QueryRow(ctx, query, string(pnfsID)).Scan(
		&a.PnfsID, &a.StorageClass, &a.HSM, &retention, &latency,
		&a.Size, &a.AccessTime, &a.Locations,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения атрибутов %s: %w", pnfsID, err)
	}
	a.RetentionPolicy = model.RetentionPolicy(retention)
	a.AccessLatency = model.AccessLatency(latency)
	return a, nil
}

func (r *namespaceRepo) GetLocations(ctx context.Context, pnfsID model.PnfsID) ([]string, error) {
	query := `
		SELECT COALESCE(array_agg(l.pool ORDER BY l.pool) FILTER (WHERE l.pool IS NOT NULL), '{}')
		FROM files f
		LEFT JOIN file_locations l ON l.pnfsid = f.pnfsid
		WHERE f.pnfsid = $1
		GROUP BY f.pnfsid`

	var locations []string
	err := r.db.QueryRow(ctx, query, string(pnfsID)).Scan(&locations)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения расположений %s: %w", pnfsID, err)
	}
	return locations, nil
}

// ListFilesOnPool читает файлы страницами по pnfsid, чтобы fn не
// выполнялся при открытом курсоре.
func (r *namespaceRepo) ListFilesOnPool(ctx context.Context, pool string, fn func(model.PnfsID) error) error {
	query := `
		SELECT pnfsid FROM file_locations
		WHERE pool = $1 AND pnfsid > $2
		ORDER BY pnfsid
		LIMIT $3`

	last := ""
	for {
		batch, err := r.listBatch(ctx, query, pool, last)
		if err != nil {
			return err
		}
		for _, id := range batch {
			if err := fn(model.PnfsID(id)); err != nil {
				return err
			}
		}
		if len(batch) < listBatchSize {
			return nil
		}
		last = batch[len(batch)-1]
	}
}

func (r *namespaceRepo) listBatch(ctx context.Context, query, pool, after string) ([]string, error) {
	rows, err := r.db.Query(ctx, query, pool, after, listBatchSize)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения файлов пула %s: %w", pool, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файлов пула %s: %w", pool, err)
	}
	return ids, nil
}
