package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ExcludedPoolRepository хранит пулы, исключённые оператором (таблица
// excluded_pools).
type ExcludedPoolRepository struct {
	db DBTX
	tx *TxRunner
}

// NewExcludedPoolRepository создаёт репозиторий исключённых пулов.
func NewExcludedPoolRepository(db DBTX, tx *TxRunner) *ExcludedPoolRepository {
	return &ExcludedPoolRepository{db: db, tx: tx}
}

// ListExcluded возвращает имена исключённых пулов.
func (r *ExcludedPoolRepository) ListExcluded(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT pool FROM excluded_pools ORDER BY pool`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения исключённых пулов: %w", err)
	}
	pools, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения исключённых пулов: %w", err)
	}
	return pools, nil
}

// SaveExcluded заменяет список исключённых пулов. Время исключения
// сохраняется для пулов, остающихся в списке.
func (r *ExcludedPoolRepository) SaveExcluded(ctx context.Context, pools []string) error {
	if pools == nil {
		pools = []string{}
	}
	return r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM excluded_pools WHERE NOT (pool = ANY($1))`, pools); err != nil {
			return fmt.Errorf("ошибка обновления исключённых пулов: %w", err)
		}
		query := `
			INSERT INTO excluded_pools (pool)
			SELECT unnest($1::varchar[])
			ON CONFLICT (pool) DO NOTHING`
		if _, err := tx.Exec(ctx, query, pools); err != nil {
			return fmt.Errorf("ошибка сохранения исключённых пулов: %w", err)
		}
		return nil
	})
}
