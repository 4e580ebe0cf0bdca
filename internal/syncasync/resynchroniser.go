// Package syncasync bridges an asynchronous delivery back into a synchronous
// HTTP response.
//
// The caller registers interest in a message key before the outbound send,
// then blocks on the registration until the inbound handler fulfils it with
// the async response body, or a timeout elapses, whichever comes first. A
// fulfilment arriving after expiry is a no-op.
package syncasync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when no async response arrived within the window.
var ErrTimeout = errors.New("no async response received")

// Resynchroniser matches blocked outbound callers with inbound async
// responses by message key.
type Resynchroniser struct {
	mu      sync.Mutex
	waiters map[string]chan string
	timeout time.Duration
}

// New creates a resynchroniser with the given wait timeout.
func New(timeout time.Duration) *Resynchroniser {
	return &Resynchroniser{
		waiters: make(map[string]chan string),
		timeout: timeout,
	}
}

// Registration is one caller's pending wait for an async response.
type Registration struct {
	r   *Resynchroniser
	key string
	ch  chan string
}

// Register records interest in the async response for a message key. It must
// be called before the outbound send so a fast response cannot be missed.
func (r *Resynchroniser) Register(messageKey string) *Registration {
	ch := make(chan string, 1)

	r.mu.Lock()
	r.waiters[messageKey] = ch
	r.mu.Unlock()

	return &Registration{r: r, key: messageKey, ch: ch}
}

// Wait blocks until the registration is fulfilled or the timeout elapses.
// The registration is always cleaned up on return.
func (reg *Registration) Wait(ctx context.Context) (string, error) {
	defer reg.Cancel()

	select {
	case body := <-reg.ch:
		return body, nil
	case <-time.After(reg.r.timeout):
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel removes the registration. Safe to call more than once, and safe to
// race with Fulfil: a fulfilment landing after cancellation is dropped.
func (reg *Registration) Cancel() {
	reg.r.mu.Lock()
	defer reg.r.mu.Unlock()

	if current, ok := reg.r.waiters[reg.key]; ok && current == reg.ch {
		delete(reg.r.waiters, reg.key)
	}
}

// Fulfil delivers the async response body to the waiter registered for the
// message key. It reports whether a waiter was found; fulfilling an expired
// or unknown key is a no-op.
func (r *Resynchroniser) Fulfil(messageKey, body string) bool {
	r.mu.Lock()
	ch, ok := r.waiters[messageKey]
	if ok {
		delete(r.waiters, messageKey)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	// Buffered channel: delivery cannot block even if the waiter has
	// already timed out between the map removal and this send.
	ch <- body
	return true
}
