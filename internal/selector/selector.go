// Пакет selector - выбор пулов-источников и пулов-целей для реплик
// с учётом ограничения "одна копия на значение тега".
package selector

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
)

// ErrNoCandidate - ни один пул не удовлетворяет условиям выбора.
var ErrNoCandidate = errors.New("нет подходящего пула")

// LocationSelector выбирает пулы для операций копирования и удаления.
// tried - пулы, уже опробованные этой операцией и давшие ошибку.
type LocationSelector interface {
	// SelectCopySource выбирает источник копирования среди readable-реплик.
	SelectCopySource(readable, tried []string) (string, error)
	// SelectCopyTarget выбирает пул группы для новой реплики.
	SelectCopyTarget(group int, occupied, tried, oneCopyPer []string) (string, error)
	// SelectRemoveTarget выбирает реплику для удаления.
	SelectRemoveTarget(locations, oneCopyPer []string) (string, error)
	// FindLocationToEvict возвращает реплику, нарушающую oneCopyPer, или "".
	FindLocationToEvict(locations, oneCopyPer []string) string
}

// Random - LocationSelector со случайным выбором среди допустимых пулов.
type Random struct {
	pools *poolinfo.Map

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandom создаёт селектор поверх карты пулов.
func NewRandom(pools *poolinfo.Map) *Random {
	return &Random{pools: pools, rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewRandomWithSeed создаёт селектор с детерминированным генератором.
func NewRandomWithSeed(pools *poolinfo.Map, seed uint64) *Random {
	return &Random{pools: pools, rnd: rand.New(rand.NewPCG(seed, seed))}
}

// SelectCopySource выбирает случайный readable-пул, не входящий в tried.
func (s *Random) SelectCopySource(readable, tried []string) (string, error) {
	candidates := without(readable, tried)
	if len(candidates) == 0 {
		return "", fmt.Errorf("источник копирования среди %v (опробованы %v): %w", readable, tried, ErrNoCandidate)
	}
	return s.pick(candidates), nil
}

// SelectCopyTarget выбирает пул группы, доступный для записи, без реплики
// файла, не опробованный и не совпадающий по значениям oneCopyPer
// ни с одной существующей репликой.
func (s *Random) SelectCopyTarget(group int, occupied, tried, oneCopyPer []string) (string, error) {
	members := s.pools.GroupPoolNames(group)
	writable := s.pools.Pools(s.pools.ValidLocations(s.pools.PoolIndices(members), true))
	candidates := without(without(writable, occupied), tried)

	extractor := poolinfo.NewTagExtractor(oneCopyPer, s.pools.TagsOfPool)
	for _, l := range occupied {
		extractor.AddSeenTagsFor(l)
	}
	candidates = extractor.Candidates(candidates)
	if len(candidates) == 0 {
		groupName, _ := s.pools.Group(group)
		return "", fmt.Errorf("цель копирования в группе %s (занято %v, теги %v): %w",
			groupName, occupied, oneCopyPer, ErrNoCandidate)
	}
	return s.pick(candidates), nil
}

// SelectRemoveTarget выбирает реплику для удаления. Предпочтение отдаётся
// репликам, чьи значения тегов повторяются чаще всего.
func (s *Random) SelectRemoveTarget(locations, oneCopyPer []string) (string, error) {
	removable := s.pools.Pools(s.pools.ValidLocations(s.pools.PoolIndices(locations), true))
	if len(removable) == 0 {
		return "", fmt.Errorf("реплика для удаления среди %v: %w", locations, ErrNoCandidate)
	}
	if best := s.mostDuplicated(removable, locations, oneCopyPer); len(best) > 0 {
		return s.pick(best), nil
	}
	return s.pick(removable), nil
}

// FindLocationToEvict возвращает одну из реплик, делящих значение
// ограничивающего тега с другой репликой. Единственная реплика никогда
// не выбирается.
func (s *Random) FindLocationToEvict(locations, oneCopyPer []string) string {
	if len(locations) < 2 || len(oneCopyPer) == 0 {
		return ""
	}
	best := s.mostDuplicated(locations, locations, oneCopyPer)
	if len(best) == 0 {
		return ""
	}
	return s.pick(best)
}

// mostDuplicated возвращает кандидатов с наибольшим числом совпадений
// значений тегов среди всех locations.
func (s *Random) mostDuplicated(candidates, locations, oneCopyPer []string) []string {
	duplicated := poolinfo.NewTagExtractor(oneCopyPer, s.pools.TagsOfPool).Duplicated(locations)
	if len(duplicated) == 0 {
		return nil
	}

	counts := make(map[string]map[string]int, len(oneCopyPer))
	for _, tag := range oneCopyPer {
		counts[tag] = make(map[string]int)
	}
	for _, l := range locations {
		tags := s.pools.TagsOfPool(l)
		for _, tag := range oneCopyPer {
			if v, ok := tags[tag]; ok {
				counts[tag][v]++
			}
		}
	}

	var best []string
	maxWeight := 0
	for _, c := range candidates {
		if !slices.Contains(duplicated, c) {
			continue
		}
		tags := s.pools.TagsOfPool(c)
		weight := 0
		for _, tag := range oneCopyPer {
			if v, ok := tags[tag]; ok {
				weight += counts[tag][v] - 1
			}
		}
		switch {
		case weight > maxWeight:
			maxWeight = weight
			best = []string{c}
		case weight == maxWeight && weight > 0:
			best = append(best, c)
		}
	}
	return best
}

func (s *Random) pick(candidates []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return candidates[s.rnd.IntN(len(candidates))]
}

func without(list, exclude []string) []string {
	result := make([]string, 0, len(list))
	for _, v := range list {
		if !slices.Contains(exclude, v) {
			result = append(result, v)
		}
	}
	return result
}
