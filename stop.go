package multiwriters

import "sync/atomic"

// StopToken is the single cancellation signal shared by the workers of a run.
// It is set once and polled before every storage operation.
type StopToken struct {
	stopped atomic.Bool
}

// NewStopToken returns an unset token.
func NewStopToken() *StopToken {
	return &StopToken{}
}

// Stop sets the token. Calling it more than once is harmless.
func (t *StopToken) Stop() {
	t.stopped.Store(true)
}

// Stopped reports whether Stop was called.
func (t *StopToken) Stopped() bool {
	return t.stopped.Load()
}
