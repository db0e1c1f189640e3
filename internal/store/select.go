package store

import (
	"sync"
)

// Select watches the slice of the store picked by selector and calls
// onChange only when the selected value differs from the last one seen
// according to equal. It returns the current value and a cancel func.
//
// The watch is registered before the first read, so a write racing with
// Select is either part of the returned value or reported to onChange.
func Select[T any](s *Store, key string, selector func(*Store) T, equal func(a, b T) bool, onChange func(T)) (T, func()) {
	var (
		mu     sync.Mutex
		last   T
		seeded bool
	)

	cancel := s.Watch(key, func() {
		mu.Lock()
		next := selector(s)
		if seeded && equal(last, next) {
			mu.Unlock()
			return
		}
		fire := seeded
		last, seeded = next, true
		mu.Unlock()

		if fire {
			onChange(next)
		}
	})

	initial := selector(s)

	mu.Lock()
	defer mu.Unlock()
	if !seeded {
		last, seeded = initial, true
	}
	return last, cancel
}
