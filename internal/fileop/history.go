package fileop

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// HistoryRecord - завершённая операция.
type HistoryRecord struct {
	Snapshot
	Failed bool `json:"failed"`
}

// History - ограниченная по размеру и времени история завершённых операций.
type History struct {
	cache *expirable.LRU[string, HistoryRecord]
	seq   atomic.Uint64
}

// NewHistory создаёт историю на maxSize записей с временем жизни ttl.
func NewHistory(maxSize int, ttl time.Duration) *History {
	return &History{cache: expirable.NewLRU[string, HistoryRecord](maxSize, nil, ttl)}
}

// Add добавляет запись. Повторные операции над одним файлом хранятся отдельно.
func (h *History) Add(s Snapshot, failed bool) {
	key := fmt.Sprintf("%s#%d", s.PnfsID, h.seq.Add(1))
	h.cache.Add(key, HistoryRecord{Snapshot: s, Failed: failed})
}

// List возвращает записи от новых к старым.
// failedOnly - только неуспешные; limit <= 0 - без ограничения.
func (h *History) List(failedOnly bool, limit int) []HistoryRecord {
	values := h.cache.Values()
	result := make([]HistoryRecord, 0, len(values))
	for _, v := range values {
		if failedOnly && !v.Failed {
			continue
		}
		result = append(result, v)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].LastUpdate.After(result[j].LastUpdate)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Len возвращает число записей.
func (h *History) Len() int {
	return h.cache.Len()
}
