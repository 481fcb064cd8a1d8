// Package cmb implements the Controller Memory Buffer manager (§4.2):
// discovery of a controller-exposed CMB window via CMBLOC/CMBSZ, mapping it
// through the PCI BAR mapper collaborator, and a bump allocator handing out
// submission-queue memory from it in preference to host DMA memory.
package cmb

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/nvmepcie/nvmepcie/internal/collab"
	"github.com/nvmepcie/nvmepcie/internal/regs"
)

// Region is a discovered and mapped CMB window, bump-allocated from the
// front. The controller never frees individual allocations from it; the
// whole region is released at controller teardown (§4.2 edge cases: a CMB
// is sized at bring-up and not resized while queues are live).
type Region struct {
	mu       sync.Mutex
	virt     unsafe.Pointer
	phys     uint64
	size     uintptr
	offset   uintptr
	mapper   collab.PCIBarMapper
	device   collab.PCIDevice
	bar      int
	mapping  collab.BarMapping
}

// Discover reads CMBLOC/CMBSZ off w and, if the controller advertises a
// CMB, maps the corresponding BAR through mapper and returns a Region ready
// for allocation. The second return is false when no CMB is present, which
// is not an error: callers fall back to host DMA memory (§4.2 Non-goals).
func Discover(w *regs.Window, mapper collab.PCIBarMapper, device collab.PCIDevice) (*Region, bool, error) {
	sz := w.ReadCMBSZ()
	if !sz.Supported {
		return nil, false, nil
	}
	loc := w.ReadCMBLOC()
	if loc.BIR == 1 || loc.BIR > 5 {
		return nil, false, fmt.Errorf("cmb: invalid BAR indicator %d", loc.BIR)
	}

	mapping, err := mapper.MapBar(device, int(loc.BIR))
	if err != nil {
		return nil, false, fmt.Errorf("cmb: map BAR%d: %w", loc.BIR, err)
	}

	total := sz.TotalSize()
	offsetBytes := uintptr(loc.OFST) * uintptr(sz.Unit())
	if offsetBytes+uintptr(total) > mapping.Size {
		return nil, false, fmt.Errorf("cmb: advertised window [%#x,+%#x) exceeds mapped BAR size %#x", offsetBytes, total, mapping.Size)
	}

	r := &Region{
		virt:    unsafe.Add(mapping.Virt, offsetBytes),
		phys:    mapping.Phys + uint64(offsetBytes),
		size:    uintptr(total),
		mapper:  mapper,
		device:  device,
		bar:     int(loc.BIR),
		mapping: mapping,
	}
	return r, true, nil
}

// Alloc bump-allocates length bytes aligned to alignment from the region.
// Returns (virt, phys, ok); ok is false once the region is exhausted, the
// caller's signal to fall back to host memory for the remainder of
// bring-up (§4.2 edge case: CMB exhaustion is not fatal).
func (r *Region) Alloc(length, alignment uintptr) (unsafe.Pointer, uint64, bool) {
	if alignment == 0 {
		alignment = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.offset
	if rem := start % alignment; rem != 0 {
		start += alignment - rem
	}
	if start+length > r.size {
		return nil, 0, false
	}
	r.offset = start + length
	return unsafe.Add(r.virt, start), r.phys + uint64(start), true
}

// Remaining reports the number of unallocated bytes left in the region.
func (r *Region) Remaining() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size - r.offset
}

// Close unmaps the CMB's backing BAR. Callers must not use any pointer
// previously returned by Alloc afterward.
func (r *Region) Close() error {
	return r.mapper.UnmapBar(r.device, r.bar, r.mapping)
}
