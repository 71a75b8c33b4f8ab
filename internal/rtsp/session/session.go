// Package session implements the single-active-session slot: at most one
// connection may hold the RTSP session at a time, with optional
// preemption of a stalled holder, behind a single mutex and a
// snapshot-then-mutate acquire discipline.
package session

import (
	"context"
	"sync"
	"time"

	rtsperrors "github.com/alxayo/raop-rtsp/internal/errors"
	"github.com/rs/zerolog"
)

const (
	pollInterval = 100 * time.Millisecond
	waitTimeout  = 3 * time.Second
)

// Holder is the information the registry keeps about whoever holds the
// slot. Cancel is invoked to ask the holder's connection task to stop
// when another connection preempts it.
type Holder struct {
	ConnID uint64
	Cancel context.CancelFunc
	stop   bool
}

// Registry tracks the single session slot.
type Registry struct {
	mu     sync.Mutex
	holder *Holder
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry { return &Registry{} }

// Acquire implements the ANNOUNCE slot-acquisition protocol:
//  1. if the slot is free, take it;
//  2. if held by connID already, tolerate (duplicate ANNOUNCE on the
//     same connection);
//  3. if held by a connection that has already been asked to stop, wait;
//  4. otherwise, if allowInterruption is set, ask the holder to stop and
//     wait; if not set, fail immediately with SessionConflict.
//
// The wait polls at 100ms intervals for up to 3s; on timeout it returns a
// SessionConflict (453).
func (r *Registry) Acquire(ctx context.Context, connID uint64, cancel context.CancelFunc, allowInterruption bool, log *zerolog.Logger) error {
	r.mu.Lock()
	switch {
	case r.holder == nil:
		r.holder = &Holder{ConnID: connID, Cancel: cancel}
		r.mu.Unlock()
		return nil
	case r.holder.ConnID == connID:
		r.mu.Unlock()
		if log != nil {
			log.Warn().Uint64("conn_id", connID).Msg("duplicate ANNOUNCE on connection already holding the session slot")
		}
		return nil
	case r.holder.stop:
		r.mu.Unlock()
		return r.waitForSlot(ctx, connID, cancel)
	case allowInterruption:
		r.holder.stop = true
		holderCancel := r.holder.Cancel
		r.mu.Unlock()
		if holderCancel != nil {
			holderCancel()
		}
		return r.waitForSlot(ctx, connID, cancel)
	default:
		r.mu.Unlock()
		return rtsperrors.NewSessionConflict("session.acquire", nil)
	}
}

func (r *Registry) waitForSlot(ctx context.Context, connID uint64, cancel context.CancelFunc) error {
	deadline := time.Now().Add(waitTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return rtsperrors.NewShutdown("session.wait_for_slot")
		case <-ticker.C:
			r.mu.Lock()
			if r.holder == nil {
				r.holder = &Holder{ConnID: connID, Cancel: cancel}
				r.mu.Unlock()
				return nil
			}
			r.mu.Unlock()
			if time.Now().After(deadline) {
				return rtsperrors.NewSessionConflict("session.wait_for_slot", nil)
			}
		}
	}
}

// Release clears the slot iff connID still holds it — a no-op otherwise,
// matching the "unconditionally clear the slot iff this connection still
// holds it" contract used on error branches and connection teardown.
func (r *Registry) Release(connID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder != nil && r.holder.ConnID == connID {
		r.holder = nil
	}
}

// Holds reports whether connID currently holds the session slot, used to
// enforce the "caller must hold the slot" precondition on SETUP, RECORD,
// FLUSH, and similar operations.
func (r *Registry) Holds(connID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holder != nil && r.holder.ConnID == connID
}

// CurrentHolder returns the connection id currently holding the slot, and
// whether the slot is held at all.
func (r *Registry) CurrentHolder() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder == nil {
		return 0, false
	}
	return r.holder.ConnID, true
}
