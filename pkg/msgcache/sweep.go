package msgcache

import "time"

func (s *Store) sweepLoop(period time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if removed := s.sweep(); removed > 0 {
				s.logger.Debug("message cache swept expired entries",
					"removed", removed,
					"remaining", s.Len(),
				)
			}
		}
	}
}

// sweep removes every expired entry and returns how many were dropped.
func (s *Store) sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for element := s.order.Back(); element != nil; {
		previous := element.Prev()
		cached := element.Value.(*entry)
		if isExpired(cached, now) {
			s.deleteLocked(cached.id)
			removed++
		}
		element = previous
	}

	return removed
}
