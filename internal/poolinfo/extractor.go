package poolinfo

// TagFunc возвращает теги пула по имени.
type TagFunc func(pool string) map[string]string

// TagExtractor отслеживает значения тегов, уже занятых репликами файла,
// и отбирает пулы, не нарушающие правило "одна копия на значение тега".
// Пул без тега не конфликтует ни с кем по этому тегу.
type TagExtractor struct {
	oneCopyPer []string
	tags       TagFunc
	seen       map[string]map[string]struct{}
}

// NewTagExtractor создаёт экстрактор для набора ограничивающих тегов.
func NewTagExtractor(oneCopyPer []string, tags TagFunc) *TagExtractor {
	seen := make(map[string]map[string]struct{}, len(oneCopyPer))
	for _, tag := range oneCopyPer {
		seen[tag] = make(map[string]struct{})
	}
	return &TagExtractor{oneCopyPer: oneCopyPer, tags: tags, seen: seen}
}

// AddSeenTagsFor отмечает значения тегов пула как занятые.
func (e *TagExtractor) AddSeenTagsFor(pool string) {
	tags := e.tags(pool)
	for _, tag := range e.oneCopyPer {
		if v, ok := tags[tag]; ok {
			e.seen[tag][v] = struct{}{}
		}
	}
}

// Conflicts сообщает, совпадает ли значение какого-либо тега пула с занятым.
func (e *TagExtractor) Conflicts(pool string) bool {
	tags := e.tags(pool)
	for _, tag := range e.oneCopyPer {
		v, ok := tags[tag]
		if !ok {
			continue
		}
		if _, taken := e.seen[tag][v]; taken {
			return true
		}
	}
	return false
}

// Candidates возвращает пулы, не конфликтующие с занятыми значениями.
func (e *TagExtractor) Candidates(pools []string) []string {
	result := make([]string, 0, len(pools))
	for _, p := range pools {
		if !e.Conflicts(p) {
			result = append(result, p)
		}
	}
	return result
}

// Duplicated возвращает пулы, делящие значение ограничивающего тега
// хотя бы с одним другим пулом списка.
func (e *TagExtractor) Duplicated(locations []string) []string {
	if len(e.oneCopyPer) == 0 {
		return nil
	}
	counts := make(map[string]map[string]int, len(e.oneCopyPer))
	for _, tag := range e.oneCopyPer {
		counts[tag] = make(map[string]int)
	}
	for _, l := range locations {
		tags := e.tags(l)
		for _, tag := range e.oneCopyPer {
			if v, ok := tags[tag]; ok {
				counts[tag][v]++
			}
		}
	}
	var result []string
	for _, l := range locations {
		tags := e.tags(l)
		for _, tag := range e.oneCopyPer {
			if v, ok := tags[tag]; ok && counts[tag][v] > 1 {
				result = append(result, l)
				break
			}
		}
	}
	return result
}
