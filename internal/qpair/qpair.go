// Package qpair implements the Queue Pair Engine (§4.5): the submission
// and completion ring pair, doorbell rings, phase-bit completion protocol,
// and the deferred-request FIFO used when the tracker pool is exhausted.
//
// A QPair is single-threaded cooperative by design (§5): Submit and
// ProcessCompletions must not run concurrently on the same QPair. Distinct
// QPairs need no coordination beyond the controller's register window,
// which each queue pair only ever writes to its own doorbell offsets.
package qpair

import (
	"fmt"
	"unsafe"

	"github.com/nvmepcie/nvmepcie/internal/cmb"
	"github.com/nvmepcie/nvmepcie/internal/collab"
	"github.com/nvmepcie/nvmepcie/internal/constants"
	"github.com/nvmepcie/nvmepcie/internal/logging"
	"github.com/nvmepcie/nvmepcie/internal/regs"
	"github.com/nvmepcie/nvmepcie/internal/tracker"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// AdminRouter delivers admin completions that belong to a process other
// than the one currently running ProcessCompletions (§4.8), and drains
// completions queued for the current process. Only the admin QPair is
// given one.
type AdminRouter interface {
	Route(pid int, cpl wire.CompletionEntry, req *Request) error
	Drain(pid int, handle func(wire.CompletionEntry, *Request))
}

// Config describes a queue pair at construction time.
type Config struct {
	QID         uint16
	NumEntries  uint32
	TrackerCount int
	IsAdmin     bool

	Window            *regs.Window
	DoorbellStrideU32 uint32

	DMA       collab.DMAAllocator
	CMB       *cmb.Region // optional
	UseCMBSQs bool

	SGLSupported bool
	Translator   collab.Translator

	PID    int
	Router AdminRouter // admin QPair only

	// Observer receives engine events (submit, complete, defer, retry,
	// abort, routing failure, queue depth). Defaults to a no-op if nil.
	Observer Observer

	Logger *logging.Logger
}

// QPair owns one submission/completion ring pair and its tracker pool.
type QPair struct {
	qid        uint16
	numEntries uint32
	isAdmin    bool

	window     *regs.Window
	sqDoorbell uintptr
	cqDoorbell uintptr

	sqVirt unsafe.Pointer
	sqPhys uint64
	cqVirt unsafe.Pointer
	cqPhys uint64

	sqCMBBacked bool

	sqTail uint32
	cqHead uint32
	phase  uint8

	enabled   bool
	resetting bool

	trackers     *tracker.Pool
	sglSupported bool
	translator   collab.Translator

	deferred ringQueue

	pid    int
	router AdminRouter

	observer Observer

	dma          collab.DMAAllocator
	cmbRegion    *cmb.Region
	useCMBSQs    bool
	trackerCount int
	logger       *logging.Logger
}

// New constructs a queue pair: allocates its rings (SQ in CMB when
// requested and available, else host DMA memory), its tracker pool, and
// computes its doorbell addresses, then Resets it (§4.5 Construction).
func New(cfg Config) (*QPair, error) {
	if cfg.NumEntries == 0 || cfg.NumEntries > constants.MaxQueueEntries {
		return nil, fmt.Errorf("qpair: invalid entry count %d", cfg.NumEntries)
	}
	if cfg.Window == nil {
		return nil, fmt.Errorf("qpair: nil register window")
	}
	if cfg.DMA == nil {
		return nil, fmt.Errorf("qpair: nil DMA allocator")
	}

	sqBytes := uintptr(cfg.NumEntries) * uintptr(unsafe.Sizeof(wire.SubmissionEntry{}))
	cqBytes := uintptr(cfg.NumEntries) * uintptr(unsafe.Sizeof(wire.CompletionEntry{}))

	var sqVirt unsafe.Pointer
	var sqPhys uint64
	cmbBacked := false
	if cfg.UseCMBSQs && cfg.CMB != nil {
		if v, p, ok := cfg.CMB.Alloc(sqBytes, constants.PageSize); ok {
			sqVirt, sqPhys, cmbBacked = v, p, true
		}
	}
	if sqVirt == nil {
		v, p, ok := cfg.DMA.Alloc(sqBytes, constants.PageSize)
		if !ok {
			return nil, fmt.Errorf("qpair: failed to allocate submission ring (%d bytes)", sqBytes)
		}
		sqVirt, sqPhys = v, p
	}

	cqVirt, cqPhys, ok := cfg.DMA.Alloc(cqBytes, constants.PageSize)
	if !ok {
		return nil, fmt.Errorf("qpair: failed to allocate completion ring (%d bytes)", cqBytes)
	}

	trackerCount := cfg.TrackerCount
	if trackerCount <= 0 {
		return nil, fmt.Errorf("qpair: invalid tracker count %d", trackerCount)
	}
	pool, err := tracker.New(cfg.DMA, trackerCount)
	if err != nil {
		return nil, fmt.Errorf("qpair: %w", err)
	}

	observer := cfg.Observer
	if observer == nil {
		observer = noOpObserver{}
	}

	q := &QPair{
		qid:          cfg.QID,
		numEntries:   cfg.NumEntries,
		isAdmin:      cfg.IsAdmin,
		window:       cfg.Window,
		sqDoorbell:   regs.Doorbell(cfg.QID, false, cfg.DoorbellStrideU32),
		cqDoorbell:   regs.Doorbell(cfg.QID, true, cfg.DoorbellStrideU32),
		sqVirt:       sqVirt,
		sqPhys:       sqPhys,
		cqVirt:       cqVirt,
		cqPhys:       cqPhys,
		sqCMBBacked:  cmbBacked,
		trackers:     pool,
		sglSupported: cfg.SGLSupported,
		translator:   cfg.Translator,
		pid:          cfg.PID,
		router:       cfg.Router,
		observer:     observer,
		dma:          cfg.DMA,
		cmbRegion:    cfg.CMB,
		useCMBSQs:    cfg.UseCMBSQs,
		trackerCount: trackerCount,
		logger:       cfg.Logger,
	}
	q.Reset()
	return q, nil
}

// QID returns the queue pair's identifier.
func (q *QPair) QID() uint16 { return q.qid }

// NumEntries returns the ring size.
func (q *QPair) NumEntries() uint32 { return q.numEntries }

// IsEnabled reports whether the queue pair currently accepts submissions
// without deferring them.
func (q *QPair) IsEnabled() bool { return q.enabled }

// SQPhysAddr returns the submission ring's physical base, for admin
// CREATE_IO_SQ commands.
func (q *QPair) SQPhysAddr() uint64 { return q.sqPhys }

// CQPhysAddr returns the completion ring's physical base, for admin
// CREATE_IO_CQ commands.
func (q *QPair) CQPhysAddr() uint64 { return q.cqPhys }

// SetResetting marks whether the owning controller is mid-reset, which
// Submit consults before auto-enabling a disabled queue pair (§4.5 step 1).
func (q *QPair) SetResetting(resetting bool) { q.resetting = resetting }

// sqSlot returns the command-slot view for submission index i.
func (q *QPair) sqSlot(i uint32) *wire.SubmissionEntry {
	return (*wire.SubmissionEntry)(unsafe.Add(q.sqVirt, uintptr(i)*uintptr(unsafe.Sizeof(wire.SubmissionEntry{}))))
}

// cqSlot returns the completion-slot view for completion index i.
func (q *QPair) cqSlot(i uint32) *wire.CompletionEntry {
	return (*wire.CompletionEntry)(unsafe.Add(q.cqVirt, uintptr(i)*uintptr(unsafe.Sizeof(wire.CompletionEntry{}))))
}

// Reset zeroes both rings and restarts the phase protocol (§4.5 Reset).
// The device writes phase 1 into the first generation of completions, so
// software starts expecting 1.
func (q *QPair) Reset() {
	sq := unsafe.Slice((*byte)(q.sqVirt), uintptr(q.numEntries)*uintptr(unsafe.Sizeof(wire.SubmissionEntry{})))
	for i := range sq {
		sq[i] = 0
	}
	cq := unsafe.Slice((*byte)(q.cqVirt), uintptr(q.numEntries)*uintptr(unsafe.Sizeof(wire.CompletionEntry{})))
	for i := range cq {
		cq[i] = 0
	}
	q.sqTail = 0
	q.cqHead = 0
	q.phase = 1
	q.deferred.reset()
}

// Close releases the queue pair's DMA resources. The submission ring is
// not freed here if it was CMB-backed; the CMB region itself is released
// by its owner at controller teardown.
func (q *QPair) Close() {
	if !q.sqCMBBacked {
		q.dma.Free(q.sqVirt)
	}
	q.dma.Free(q.cqVirt)
	q.trackers.Close()
}

// ringQueue is a slice-backed FIFO of deferred requests (§4.5 step 2),
// avoiding the heap churn of a container/list in the hot deferred-submit
// path.
type ringQueue struct {
	items []*Request
	head  int
}

func (r *ringQueue) reset() {
	r.items = r.items[:0]
	r.head = 0
}

func (r *ringQueue) push(req *Request) {
	r.items = append(r.items, req)
}

func (r *ringQueue) pop() (*Request, bool) {
	if r.head >= len(r.items) {
		return nil, false
	}
	req := r.items[r.head]
	r.items[r.head] = nil
	r.head++
	if r.head == len(r.items) {
		r.items = r.items[:0]
		r.head = 0
	}
	return req, true
}

func (r *ringQueue) empty() bool {
	return r.head >= len(r.items)
}
