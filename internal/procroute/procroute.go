// Package procroute implements Per-Process Admin Routing (§4.8): a
// registry of active processes sharing one controller's admin queue, each
// with a pending-completions FIFO, so an admin completion is always
// delivered on the process that submitted the request rather than
// whichever process happens to be polling the admin queue when the device
// finishes it.
package procroute

import (
	"fmt"
	"sync"

	"github.com/nvmepcie/nvmepcie/internal/logging"
	"github.com/nvmepcie/nvmepcie/internal/qpair"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// pending is one completion routed to a process, queued until that
// process next drains its inbox.
type pending struct {
	cpl wire.CompletionEntry
	req *qpair.Request
}

// Inbox is one process's pending-completions FIFO.
type Inbox struct {
	mu    sync.Mutex
	items []pending
}

func (ib *Inbox) push(p pending) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ib.items = append(ib.items, p)
}

// Drain invokes handle for every pending completion in the order it was
// routed,
// then empties the inbox (§4.8's "drains its own FIFO" step).
func (ib *Inbox) Drain(handle func(wire.CompletionEntry, *qpair.Request)) {
	ib.mu.Lock()
	items := ib.items
	ib.items = nil
	ib.mu.Unlock()

	for _, p := range items {
		handle(p.cpl, p.req)
	}
}

// Registry tracks active processes sharing a controller's admin queue.
//
// The original driver guards this with a recursive mutex so a completion
// handler already holding the lock can route into another process's inbox
// without deadlocking. Go has no recursive mutex, so this Registry never
// nests a lock acquisition across a callback: Route and Drain each hold
// mu only for the lookup/append/pop itself, never while running caller
// code (see DESIGN.md's Open Question resolution).
type Registry struct {
	mu      sync.Mutex
	inboxes map[int]*Inbox
	logger  *logging.Logger
}

// New constructs an empty registry. logger may be nil.
func New(logger *logging.Logger) *Registry {
	return &Registry{
		inboxes: make(map[int]*Inbox),
		logger:  logger,
	}
}

// Register adds pid to the registry and returns its inbox.
func (r *Registry) Register(pid int) *Inbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	ib := &Inbox{}
	r.inboxes[pid] = ib
	return ib
}

// Deregister removes pid from the registry. Any completions still queued
// in its inbox are discarded.
func (r *Registry) Deregister(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inboxes, pid)
}

// Route implements §4.8's routing step: a completion whose originating
// pid differs from the current process is appended to that pid's inbox.
// If pid is not registered, the completion is logged and dropped (the
// request it belonged to is not freed here; the caller releases its
// tracker after Route returns).
func (r *Registry) Route(pid int, cpl wire.CompletionEntry, req *qpair.Request) error {
	r.mu.Lock()
	ib, ok := r.inboxes[pid]
	r.mu.Unlock()

	if !ok {
		if r.logger != nil {
			r.logger.Warn("admin completion for unknown process, dropping", "pid", pid, "cid", cpl.CID)
		}
		return fmt.Errorf("procroute: no inbox registered for pid %d", pid)
	}

	ib.push(pending{cpl: cpl, req: req})
	return nil
}

// Drain drains pid's own inbox, invoking handle for each pending
// completion (§4.8's per-process drain step, called by the current
// process after each admin-queue completion pass). If pid is not
// registered this is a no-op.
func (r *Registry) Drain(pid int, handle func(wire.CompletionEntry, *qpair.Request)) {
	r.mu.Lock()
	ib, ok := r.inboxes[pid]
	r.mu.Unlock()

	if !ok {
		return
	}
	ib.Drain(handle)
}
