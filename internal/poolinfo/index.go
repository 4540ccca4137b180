package poolinfo

import "sort"

// indexList - список имён со стабильными индексами.
// Удаление не сдвигает индексы остальных элементов; повторно добавленное
// имя получает новый индекс.
type indexList struct {
	names []string
	index map[string]int
}

func newIndexList() indexList {
	return indexList{index: make(map[string]int)}
}

// add добавляет имя и возвращает его индекс (существующий, если имя уже есть).
func (l *indexList) add(name string) int {
	if i, ok := l.index[name]; ok {
		return i
	}
	l.names = append(l.names, name)
	i := len(l.names) - 1
	l.index[name] = i
	return i
}

func (l *indexList) indexOf(name string) (int, bool) {
	i, ok := l.index[name]
	return i, ok
}

func (l *indexList) get(i int) (string, bool) {
	if i < 0 || i >= len(l.names) {
		return "", false
	}
	name := l.names[i]
	if name == "" {
		return "", false
	}
	if cur, ok := l.index[name]; !ok || cur != i {
		return "", false
	}
	return name, true
}

// remove освобождает индекс имени. Возвращает освобождённый индекс.
func (l *indexList) remove(name string) (int, bool) {
	i, ok := l.index[name]
	if !ok {
		return 0, false
	}
	delete(l.index, name)
	l.names[i] = ""
	return i, true
}

// all возвращает все текущие имена в порядке индексов.
func (l *indexList) all() []string {
	result := make([]string, 0, len(l.index))
	for i, name := range l.names {
		if name == "" {
			continue
		}
		if cur, ok := l.index[name]; ok && cur == i {
			result = append(result, name)
		}
	}
	return result
}

// multimap - отображение индекс → множество индексов.
type multimap map[int]map[int]struct{}

func (m multimap) put(key, value int) {
	set, ok := m[key]
	if !ok {
		set = make(map[int]struct{})
		m[key] = set
	}
	set[value] = struct{}{}
}

func (m multimap) remove(key, value int) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, value)
	if len(set) == 0 {
		delete(m, key)
	}
}

// removeAll удаляет ключ и возвращает его бывшие значения.
func (m multimap) removeAll(key int) []int {
	values := m.get(key)
	delete(m, key)
	return values
}

func (m multimap) contains(key, value int) bool {
	_, ok := m[key][value]
	return ok
}

// get возвращает значения ключа в отсортированном порядке.
func (m multimap) get(key int) []int {
	set := m[key]
	result := make([]int, 0, len(set))
	for v := range set {
		result = append(result, v)
	}
	sort.Ints(result)
	return result
}
