package presence

import "sync"

// Feed fans row changes out to subscribers. Publish never blocks the
// publisher: each subscriber owns a queue drained by its own goroutine,
// so a slow consumer delays only itself and commit order is preserved
// per subscriber (and therefore per row).
type Feed struct {
	mu     sync.Mutex
	subs   map[*feedSub]struct{}
	closed bool
}

type feedSub struct {
	mu      sync.Mutex
	pending []Change
	wake    chan struct{}
	out     chan Change
	done    chan struct{}
	once    sync.Once
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[*feedSub]struct{})}
}

func (f *Feed) Subscribe() (<-chan Change, func()) {
	s := &feedSub{
		wake: make(chan struct{}, 1),
		out:  make(chan Change, 16),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go s.run()

	cancel := func() {
		f.mu.Lock()
		delete(f.subs, s)
		f.mu.Unlock()
		s.stop()
	}
	return s.out, cancel
}

func (f *Feed) Publish(c Change) {
	f.mu.Lock()
	for s := range f.subs {
		s.enqueue(c)
	}
	f.mu.Unlock()
}

func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = make(map[*feedSub]struct{})
	f.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}

func (s *feedSub) enqueue(c Change) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *feedSub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *feedSub) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case s.out <- c:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
