// Package payload implements the Payload Builder (§4.4): translating a
// caller's virtual buffer or buffer list into the PRP or SGL data pointer
// an NVMe submission entry expects, using the collab.Translator
// collaborator (vtophys) rather than walking page tables itself.
package payload

import (
	"unsafe"

	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// Descriptor is the data-pointer portion of a submission entry, ready to
// be copied onto a command template by the queue pair engine.
type Descriptor struct {
	PSDT wire.PSDT
	PRP1 uint64
	PRP2 uint64
	SGL1 wire.SGLDescriptor

	// MPTR is the physical address of the request's metadata buffer, or 0
	// if the request carried none (§4.4's shared builder invariant).
	MPTR uint64
}

// GatherList iterates a caller's scatter/gather buffer one contiguous
// segment at a time through a reset/next iterator contract (§4.4), so the
// builders never assume a particular buffer representation (mbuf chain,
// iovec array, bio vector, ...).
type GatherList interface {
	// Reset seeds iteration at the given byte offset into the logical
	// transfer.
	Reset(offset uint64) error
	// Next returns the next contiguous segment, or ok=false when the list
	// is exhausted.
	Next() (vaddr unsafe.Pointer, length uint32, ok bool)
}
