// Package pending tracks requests waiting for a correlated reply.
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	"github.com/drblury/msgbus/internal/runtime/message"
)

type outcome struct {
	reply *message.Message
	err   error
}

// Waiter is a registered request. Exactly one outcome is delivered to it.
type Waiter struct {
	id    string
	table *Table
	ch    chan outcome
}

// Table maps request ids to their waiters. Each waiter is resolved at most
// once: whichever of reply, rejection or timeout comes first wins.
type Table struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
}

// New returns an empty table.
func New() *Table {
	return &Table{waiters: map[string]*Waiter{}}
}

// Add registers a waiter for id. A previous waiter with the same id is
// replaced and will only end through its own timeout.
func (t *Table) Add(id string) *Waiter {
	w := &Waiter{id: id, table: t, ch: make(chan outcome, 1)}
	t.mu.Lock()
	t.waiters[id] = w
	t.mu.Unlock()
	return w
}

// Resolve hands reply to the waiter registered under id. It reports whether
// a waiter was waiting.
func (t *Table) Resolve(id string, reply *message.Message) bool {
	w, ok := t.take(id)
	if !ok {
		return false
	}
	w.ch <- outcome{reply: reply}
	return true
}

// Reject ends the waiter registered under id with err.
func (t *Table) Reject(id string, err error) bool {
	w, ok := t.take(id)
	if !ok {
		return false
	}
	w.ch <- outcome{err: err}
	return true
}

// RejectAll ends every waiter with err and returns how many were pending.
func (t *Table) RejectAll(err error) int {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = map[string]*Waiter{}
	t.mu.Unlock()

	for _, w := range waiters {
		w.ch <- outcome{err: err}
	}
	return len(waiters)
}

// Has reports whether a request with id is waiting.
func (t *Table) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.waiters[id]
	return ok
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

func (t *Table) take(id string) (*Waiter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	return w, ok
}

// Wait blocks until the waiter is resolved, the timeout elapses or ctx is
// done. The entry is removed in every case.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-w.ch:
		return o.reply, o.err
	case <-timer.C:
		w.release()
		return nil, fmt.Errorf("%w: %s after %s", errspkg.ErrRequestTimeout, w.id, timeout)
	case <-ctx.Done():
		w.release()
		return nil, ctx.Err()
	}
}

// Cancel removes the waiter without resolving it.
func (w *Waiter) Cancel() {
	w.release()
}

// release deletes the entry only while it still belongs to w.
func (w *Waiter) release() {
	w.table.mu.Lock()
	defer w.table.mu.Unlock()
	if w.table.waiters[w.id] == w {
		delete(w.table.waiters, w.id)
	}
}
