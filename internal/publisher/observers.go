package publisher

// observerSet keeps callbacks in registration order. Not safe for concurrent
// use; the publisher guards it.
type observerSet[T any] struct {
	nextID uint64
	ids    []uint64
	fns    map[uint64]T
}

func (s *observerSet[T]) add(fn T) uint64 {
	if s.fns == nil {
		s.fns = map[uint64]T{}
	}
	s.nextID++
	s.ids = append(s.ids, s.nextID)
	s.fns[s.nextID] = fn
	return s.nextID
}

func (s *observerSet[T]) remove(id uint64) {
	if _, ok := s.fns[id]; !ok {
		return
	}
	delete(s.fns, id)
	for i, v := range s.ids {
		if v == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			break
		}
	}
}

func (s *observerSet[T]) each(fn func(T)) {
	for _, id := range s.ids {
		fn(s.fns[id])
	}
}

func (s *observerSet[T]) len() int { return len(s.ids) }

func (s *observerSet[T]) clear() {
	s.ids = nil
	s.fns = nil
}
