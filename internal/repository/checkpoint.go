package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
)

// CheckpointRepository хранит снимок операций над файлами (таблица
// file_operations). Каждое сохранение полностью заменяет предыдущее.
type CheckpointRepository struct {
	db DBTX
	tx *TxRunner
}

// NewCheckpointRepository создаёт репозиторий checkpoint.
func NewCheckpointRepository(db DBTX, tx *TxRunner) *CheckpointRepository {
	return &CheckpointRepository{db: db, tx: tx}
}

// LoadOperations возвращает операции последнего checkpoint.
func (r *CheckpointRepository) LoadOperations(ctx context.Context) ([]fileop.Snapshot, error) {
	query := `
		SELECT pnfsid, state, last_type, retention_policy, size, pool_group, storage_unit,
		       parent, source, target, tried, op_count, retried, last_error, last_update
		FROM file_operations
		ORDER BY last_update, pnfsid`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки checkpoint: %w", err)
	}
	defer rows.Close()

	var result []fileop.Snapshot
	for rows.Next() {
		var s fileop.Snapshot
		var pnfsID, state, lastType, retention string
		if err := rows.Scan(
			&pnfsID, &state, &lastType, &retention, &s.Size, &s.Group, &s.Unit,
			&s.Parent, &s.Source, &s.Target, &s.Tried, &s.OpCount, &s.Retried, &s.Error, &s.LastUpdate,
		); err != nil {
			return nil, fmt.Errorf("ошибка чтения checkpoint: %w", err)
		}
		s.PnfsID = model.PnfsID(pnfsID)
		s.State = fileop.State(state)
		s.LastType = model.OperationType(lastType)
		s.RetentionPolicy = model.RetentionPolicy(retention)
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения checkpoint: %w", err)
	}
	return result, nil
}

// SaveOperations заменяет checkpoint переданными операциями в одной транзакции.
func (r *CheckpointRepository) SaveOperations(ctx context.Context, ops []fileop.Snapshot) error {
	return r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM file_operations`); err != nil {
			return fmt.Errorf("ошибка очистки checkpoint: %w", err)
		}
		if len(ops) == 0 {
			return nil
		}

		columns := []string{
			"pnfsid", "state", "last_type", "retention_policy", "size", "pool_group", "storage_unit",
			"parent", "source", "target", "tried", "op_count", "retried", "last_error", "last_update",
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"file_operations"}, columns,
			pgx.CopyFromSlice(len(ops), func(i int) ([]any, error) {
				s := ops[i]
				tried := s.Tried
				if tried == nil {
					tried = []string{}
				}
				return []any{
					string(s.PnfsID), string(s.State), string(s.LastType), string(s.RetentionPolicy),
					s.Size, s.Group, s.Unit, s.Parent, s.Source, s.Target, tried,
					s.OpCount, s.Retried, s.Error, s.LastUpdate,
				}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("ошибка записи checkpoint: %w", err)
		}
		return nil
	})
}
