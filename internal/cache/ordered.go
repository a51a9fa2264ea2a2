package cache

import "container/list"

// orderedMap is a map that remembers insertion order. Re-putting an existing
// key replaces its value in place.
type orderedMap[K comparable, V any] struct {
	index map[K]*list.Element
	order *list.List
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

func newOrderedMap[K comparable, V any]() *orderedMap[K, V] {
	return &orderedMap[K, V]{index: make(map[K]*list.Element), order: list.New()}
}

func (m *orderedMap[K, V]) get(k K) (V, bool) {
	if el, ok := m.index[k]; ok {
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

func (m *orderedMap[K, V]) put(k K, v V) {
	if el, ok := m.index[k]; ok {
		el.Value.(*entry[K, V]).value = v
		return
	}
	m.index[k] = m.order.PushBack(&entry[K, V]{key: k, value: v})
}

func (m *orderedMap[K, V]) remove(k K) bool {
	el, ok := m.index[k]
	if !ok {
		return false
	}
	m.order.Remove(el)
	delete(m.index, k)
	return true
}

func (m *orderedMap[K, V]) len() int { return len(m.index) }

func (m *orderedMap[K, V]) keys() []K {
	out := make([]K, 0, len(m.index))
	for el := m.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[K, V]).key)
	}
	return out
}

func (m *orderedMap[K, V]) values() []V {
	out := make([]V, 0, len(m.index))
	for el := m.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[K, V]).value)
	}
	return out
}

func (m *orderedMap[K, V]) clear() {
	m.index = make(map[K]*list.Element)
	m.order.Init()
}
