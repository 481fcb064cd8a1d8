package payload

import (
	"fmt"
	"unsafe"

	"github.com/nvmepcie/nvmepcie/internal/collab"
	"github.com/nvmepcie/nvmepcie/internal/constants"
	"github.com/nvmepcie/nvmepcie/internal/tracker"
)

// BuildContiguous builds a PRP-based Descriptor for one virtually
// contiguous buffer (§4.4.1). NVMe defines three shapes for PRP1/PRP2: the
// buffer fits in its first page (PRP2 unused), it spans exactly two pages
// (PRP2 holds the second page's address directly), or it spans more (PRP2
// points at a PRP list built in tr's scratch page, one entry per
// subsequent page).
func BuildContiguous(translator collab.Translator, tr *tracker.Tracker, virt unsafe.Pointer, length uint32) (Descriptor, error) {
	if length == 0 {
		return Descriptor{}, fmt.Errorf("payload: zero-length contiguous buffer")
	}

	phys1, err := translator.Translate(virt)
	if err != nil {
		return Descriptor{}, fmt.Errorf("payload: translate base address: %w", err)
	}

	pageOffset := phys1 % constants.PageSize
	firstPageRemaining := uint32(constants.PageSize) - uint32(pageOffset)

	d := Descriptor{PRP1: phys1}
	if uint64(length) <= uint64(firstPageRemaining) {
		return d, nil
	}

	remaining := length - firstPageRemaining
	secondPageVirt := unsafe.Add(virt, uintptr(firstPageRemaining))
	phys2, err := translator.Translate(secondPageVirt)
	if err != nil {
		return Descriptor{}, fmt.Errorf("payload: translate second page: %w", err)
	}

	if uint64(remaining) <= constants.PageSize {
		d.PRP2 = phys2
		return d, nil
	}

	if tr == nil {
		return Descriptor{}, fmt.Errorf("payload: buffer spans more than two pages but no tracker scratch was supplied")
	}
	list := tr.PRPs()
	pagesNeeded := (remaining + constants.PageSize - 1) / constants.PageSize
	if int(pagesNeeded) > len(list) {
		return Descriptor{}, fmt.Errorf("payload: buffer requires %d PRP list entries, scratch holds %d", pagesNeeded, len(list))
	}

	pageVirt := secondPageVirt
	for i := uint32(0); i < pagesNeeded; i++ {
		phys, err := translator.Translate(pageVirt)
		if err != nil {
			return Descriptor{}, fmt.Errorf("payload: translate PRP list page %d: %w", i, err)
		}
		list[i] = phys
		pageVirt = unsafe.Add(pageVirt, uintptr(constants.PageSize))
	}

	d.PRP2 = tr.ListPhys()
	return d, nil
}
