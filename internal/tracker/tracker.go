// Package tracker implements the Tracker Pool (§4.3): a fixed set of
// command trackers indexed by command identifier (CID), each carrying a
// page-sized DMA scratch buffer used for PRP lists or SGL segments, plus
// free/outstanding bookkeeping so completions can be routed back to their
// originating caller in O(1).
//
// The free set is an intrusive singly-linked list over a slice indexed by
// CID, and a tracker's outstanding state is its Active flag, rather than
// reaching for a map or channel on the hot path.
package tracker

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/nvmepcie/nvmepcie/internal/collab"
	"github.com/nvmepcie/nvmepcie/internal/constants"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// ScratchSize is the fixed size of each tracker's DMA record, pinned to
// constants.TrackerSize so a tracker never crosses a page boundary.
const ScratchSize = constants.TrackerSize

// scratchHeaderSize is the portion of the tracker record reserved ahead of
// the PRP list / SGL segment, so the list itself starts 8-byte aligned and
// holds exactly constants.MaxPRPListEntries / constants.MaxSGLDescriptors
// entries (both figures land on the same byte count: 506*8 == 253*16).
const scratchHeaderSize = ScratchSize - constants.MaxPRPListEntries*8

const noNext = -1

// Tracker is one in-flight command slot. The zero value is not valid; use
// Pool.Acquire to obtain one.
type Tracker struct {
	CID         uint16
	ScratchVirt unsafe.Pointer
	ScratchPhys uint64

	// SubmitAt is the time Submit wrote this tracker's command to the ring,
	// for the completion path to derive submit-to-completion latency.
	SubmitAt time.Time

	// Active is true from Acquire until Release; the completion path
	// checks it before touching a tracker to catch a completion that
	// references a CID not currently outstanding (a protocol violation).
	Active bool

	// AER marks a tracker as carrying an Asynchronous Event Request, so
	// Disable can abort it alone rather than every outstanding command
	// (§3.9 supplemented feature; copied from the submitting request's
	// AER flag at submission).
	AER bool

	// Caller-defined payload, set by the caller between Acquire and
	// submission and read back on completion (e.g. a completion channel,
	// a context, or the original request).
	UserData any

	next int
}

// listVirt returns the start of the tracker's PRP-list/SGL-segment region,
// past the reserved header.
func (t *Tracker) listVirt() unsafe.Pointer {
	return unsafe.Add(t.ScratchVirt, scratchHeaderSize)
}

// ListPhys returns the physical address of the tracker's PRP-list/SGL
// region, the address PRP2 or an SGL Last Segment descriptor points at
// when more than one extra entry is needed.
func (t *Tracker) ListPhys() uint64 {
	return t.ScratchPhys + uint64(scratchHeaderSize)
}

// Scratch returns the tracker's PRP-list/SGL-segment region as a byte
// slice, for callers that want to lay out entries directly.
func (t *Tracker) Scratch() []byte {
	return unsafe.Slice((*byte)(t.listVirt()), ScratchSize-scratchHeaderSize)
}

// PRPs views the scratch region as a PRP list, up to
// constants.MaxPRPListEntries entries. PRPs and SGLs alias the same
// backing memory; a caller picks exactly one view per tracker lifetime,
// matching the union scratch layout the original driver uses.
func (t *Tracker) PRPs() []uint64 {
	return unsafe.Slice((*uint64)(t.listVirt()), constants.MaxPRPListEntries)
}

// SGLs views the scratch region as an SGL segment, up to
// constants.MaxSGLDescriptors descriptors.
func (t *Tracker) SGLs() []wire.SGLDescriptor {
	return unsafe.Slice((*wire.SGLDescriptor)(t.listVirt()), constants.MaxSGLDescriptors)
}

// Pool owns a fixed number of trackers and hands them out by CID.
type Pool struct {
	mu        sync.Mutex
	trackers  []Tracker
	freeHead  int
	dma       collab.DMAAllocator
	allocBase unsafe.Pointer
}

// New allocates count trackers, each backed by a ScratchSize DMA region
// carved out of one contiguous allocation from dma. count must fit in a
// uint16 CID space (NVMe CIDs are 16 bits).
func New(dma collab.DMAAllocator, count int) (*Pool, error) {
	if count <= 0 || count > 1<<16 {
		return nil, fmt.Errorf("tracker: invalid tracker count %d", count)
	}

	virt, phys, ok := dma.Alloc(uintptr(count)*ScratchSize, ScratchSize)
	if !ok {
		return nil, fmt.Errorf("tracker: failed to allocate scratch region for %d trackers", count)
	}

	p := &Pool{
		trackers:  make([]Tracker, count),
		dma:       dma,
		allocBase: virt,
	}
	for i := 0; i < count; i++ {
		p.trackers[i] = Tracker{
			CID:         uint16(i),
			ScratchVirt: unsafe.Add(virt, uintptr(i)*ScratchSize),
			ScratchPhys: phys + uint64(i)*ScratchSize,
			next:        i + 1,
		}
	}
	p.trackers[count-1].next = noNext
	p.freeHead = 0
	return p, nil
}

// Len returns the total number of trackers in the pool.
func (p *Pool) Len() int {
	return len(p.trackers)
}

// Acquire removes a tracker from the free list, or returns ok=false if the
// pool is exhausted (§4.3 edge case: exhaustion is a caller-visible signal
// to defer the request, not an error).
func (p *Pool) Acquire() (*Tracker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freeHead == noNext {
		return nil, false
	}
	idx := p.freeHead
	t := &p.trackers[idx]
	p.freeHead = t.next
	t.next = noNext
	t.Active = true
	return t, true
}

// Release returns a tracker to the free list by CID. An out-of-range CID
// panics; releasing a CID that is already free is not detected.
func (p *Pool) Release(cid uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(cid) >= len(p.trackers) {
		panic(fmt.Sprintf("tracker: release of out-of-range CID %d", cid))
	}
	t := &p.trackers[cid]
	t.UserData = nil
	t.Active = false
	t.AER = false
	t.next = p.freeHead
	p.freeHead = int(cid)
}

// ByCID returns the tracker for a given CID without altering its
// free/outstanding state, for completion processing (§4.5) to attach
// results before releasing.
func (p *Pool) ByCID(cid uint16) (*Tracker, error) {
	if int(cid) >= len(p.trackers) {
		return nil, fmt.Errorf("tracker: CID %d out of range [0,%d)", cid, len(p.trackers))
	}
	return &p.trackers[cid], nil
}

// Available reports the number of trackers currently free.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := p.freeHead; i != noNext; i = p.trackers[i].next {
		n++
	}
	return n
}

// ForEachOutstanding invokes fn for every currently-active tracker, in
// index order. Used by the queue pair engine's enable/disable/fail paths
// to bulk-abort outstanding commands (§4.5). fn is invoked after the lock
// is released, since the abort path it drives (complete_tracker) calls
// back into Release, which would deadlock against a non-reentrant mutex
// held across the callback.
func (p *Pool) ForEachOutstanding(fn func(*Tracker)) {
	p.mu.Lock()
	outstanding := make([]*Tracker, 0, len(p.trackers))
	for i := range p.trackers {
		if p.trackers[i].Active {
			outstanding = append(outstanding, &p.trackers[i])
		}
	}
	p.mu.Unlock()

	for _, t := range outstanding {
		fn(t)
	}
}

// Close releases the pool's scratch allocation. Callers must not use any
// tracker obtained from the pool afterward.
func (p *Pool) Close() {
	p.dma.Free(p.allocBase)
}
