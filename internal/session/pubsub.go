package session

import "context"

const watchBuffer = 16

// Subscribe registers fn to receive every published snapshot in version
// order. fn runs without the store lock held and may call back into the
// store. The returned func removes the subscription.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.pubMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	s.pubMu.Unlock()

	return func() {
		s.pubMu.Lock()
		defer s.pubMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Watch returns a channel that receives the current snapshot and then
// every published change. Slow readers miss intermediate snapshots and
// may see an older Version after the first one; compare Version to skip
// them. The channel is closed when ctx ends or the store is closed.
func (s *Store) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, watchBuffer)
	current := s.Snapshot()

	s.pubMu.Lock()
	if s.watchClosed {
		s.pubMu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextSub
	s.nextSub++
	s.watchers[id] = ch
	ch <- current
	s.pubMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.pubMu.Lock()
		defer s.pubMu.Unlock()
		if _, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(ch)
		}
	}()
	return ch
}

// WatchStatus returns a channel that receives the countdown status on
// every tick of a signed-in session. Only the latest status is kept for a
// slow reader. The channel is closed when ctx ends or the store is closed.
func (s *Store) WatchStatus(ctx context.Context) <-chan SessionStatus {
	ch := make(chan SessionStatus, 1)

	s.pubMu.Lock()
	if s.watchClosed {
		s.pubMu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextSub
	s.nextSub++
	s.statusSubs[id] = ch
	s.pubMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.pubMu.Lock()
		defer s.pubMu.Unlock()
		if _, ok := s.statusSubs[id]; ok {
			delete(s.statusSubs, id)
			close(ch)
		}
	}()
	return ch
}

func (s *Store) publishStatus(st SessionStatus) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	for _, ch := range s.statusSubs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// commitLocked bumps the version and queues the snapshot for delivery.
// Callers must run drain after releasing mu.
func (s *Store) commitLocked() {
	s.state.Version++
	st := s.state.clone()
	s.pubMu.Lock()
	s.queue = append(s.queue, st)
	s.pubMu.Unlock()
}

// drain delivers queued snapshots. Only one goroutine drains at a time;
// others return and leave their snapshots to the active drainer.
func (s *Store) drain() {
	s.pubMu.Lock()
	if s.draining {
		s.pubMu.Unlock()
		return
	}
	s.draining = true

	for len(s.queue) > 0 {
		st := s.queue[0]
		s.queue = s.queue[1:]
		for _, ch := range s.watchers {
			select {
			case ch <- st.clone():
			default:
				// Drop when the watcher is slow to avoid blocking.
			}
		}
		subs := make([]subscription, len(s.subs))
		copy(subs, s.subs)
		s.pubMu.Unlock()

		for _, sub := range subs {
			sub.fn(st.clone())
		}
		s.pubMu.Lock()
	}
	s.draining = false
	s.pubMu.Unlock()
}
