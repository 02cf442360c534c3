package dispatch

import "sync"

// Signal is a single-resolution completion event. Resolve is idempotent and
// never blocks the resolver; dependents wait on Done.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Resolve marks the signal complete. Safe to call any number of times from
// any goroutine.
func (s *Signal) Resolve() {
	s.once.Do(func() { close(s.ch) })
}

// Done is closed once the signal resolves.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Resolved is a non-blocking check.
func (s *Signal) Resolved() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
