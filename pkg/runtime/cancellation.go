package runtime

import (
	"sync"
)

// CancelToken is the cooperative cancellation signal for one execution.
// It is process-local, never persisted, and rebuilt as not-cancelled
// after a restart.
type CancelToken struct {
	done chan struct{}
	once sync.Once
}

func newCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel signals the token; safe to call more than once
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the token has been signalled
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is signalled
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// CancellationRegistry maps execution ids to cancellation tokens. It is
// an explicitly constructed instance injected into the controller, and
// it is process-local: tokens on other instances are invisible, which is
// why cooperative checks also read the durable execution status.
type CancellationRegistry struct {
	tokens map[string]*CancelToken
	mu     sync.Mutex
}

// NewCancellationRegistry creates an empty registry
func NewCancellationRegistry() *CancellationRegistry {
	return &CancellationRegistry{
		tokens: make(map[string]*CancelToken),
	}
}

// Register creates and stores a token for the execution, replacing any
// stale token from a previous attempt
func (r *CancellationRegistry) Register(executionID string) *CancelToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := newCancelToken()
	r.tokens[executionID] = token
	return token
}

// Remove drops the execution's token; called when the run loop exits
func (r *CancellationRegistry) Remove(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tokens, executionID)
}

// Signal cancels the execution's token if one exists in this process,
// reporting whether a token was found
func (r *CancellationRegistry) Signal(executionID string) bool {
	r.mu.Lock()
	token, ok := r.tokens[executionID]
	r.mu.Unlock()

	if ok {
		token.Cancel()
	}
	return ok
}

// Has reports whether a token is registered for the execution
func (r *CancellationRegistry) Has(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.tokens[executionID]
	return ok
}

// Len returns the number of registered tokens
func (r *CancellationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.tokens)
}
