package payload

import (
	"fmt"
	"unsafe"

	"github.com/nvmepcie/nvmepcie/internal/collab"
	"github.com/nvmepcie/nvmepcie/internal/constants"
	"github.com/nvmepcie/nvmepcie/internal/tracker"
)

// BuildGatherPRP builds a PRP-based Descriptor from a gather list when the
// device does not advertise SGL support (§4.4.2). It enforces PRP
// compatibility on every segment: the physical address must be 4-byte
// aligned, and unless the segment is the transfer's last, it must end on
// a page boundary. Page accounting runs across segment boundaries exactly
// as the contiguous builder's single-buffer case does, including a
// segment that itself spans multiple pages.
func BuildGatherPRP(translator collab.Translator, tr *tracker.Tracker, gather GatherList, offset uint64) (Descriptor, error) {
	if err := gather.Reset(offset); err != nil {
		return Descriptor{}, fmt.Errorf("payload: reset gather list: %w", err)
	}

	type segment struct {
		vaddr  unsafe.Pointer
		phys   uint64
		length uint32
	}
	var segments []segment
	var total uint64
	for {
		vaddr, length, ok := gather.Next()
		if !ok {
			break
		}
		if length == 0 {
			continue
		}
		phys, err := translator.Translate(vaddr)
		if err != nil {
			return Descriptor{}, fmt.Errorf("payload: translate segment %d: %w", len(segments), err)
		}
		segments = append(segments, segment{vaddr: vaddr, phys: phys, length: length})
		total += uint64(length)
	}
	if len(segments) == 0 {
		return Descriptor{}, fmt.Errorf("payload: gather list is empty")
	}

	var d Descriptor
	var extraPages []uint64
	var consumed uint64

	for i, s := range segments {
		if s.phys%4 != 0 {
			return Descriptor{}, fmt.Errorf("payload: segment %d phys %#x is not 4-byte aligned", i, s.phys)
		}

		remaining := total - consumed
		if uint64(s.length) < remaining {
			end := s.phys + uint64(s.length)
			if end&(constants.PageSize-1) != 0 {
				return Descriptor{}, fmt.Errorf("payload: segment %d (phys %#x len %d) does not end on a page boundary", i, s.phys, s.length)
			}
		}

		pageOffset := s.phys % constants.PageSize
		pagesInSeg := (pageOffset + uint64(s.length) + constants.PageSize - 1) / constants.PageSize
		for p := uint64(0); p < pagesInSeg; p++ {
			var pagePhys uint64
			if p == 0 {
				pagePhys = s.phys
			} else {
				pageVirt := unsafe.Add(s.vaddr, uintptr(p*constants.PageSize-pageOffset))
				var err error
				pagePhys, err = translator.Translate(pageVirt)
				if err != nil {
					return Descriptor{}, fmt.Errorf("payload: translate segment %d page %d: %w", i, p, err)
				}
			}
			if consumed == 0 && p == 0 {
				d.PRP1 = pagePhys
			} else {
				extraPages = append(extraPages, pagePhys)
			}
		}
		consumed += uint64(s.length)
	}

	switch len(extraPages) {
	case 0:
		// single page, PRP2 unused
	case 1:
		d.PRP2 = extraPages[0] // exactly two pages: PRP2 holds the address directly
	default:
		if tr == nil {
			return Descriptor{}, fmt.Errorf("payload: gather list spans %d pages but no tracker scratch was supplied", len(extraPages)+1)
		}
		list := tr.PRPs()
		if len(extraPages) > len(list) {
			return Descriptor{}, fmt.Errorf("payload: gather list requires %d PRP list entries, scratch holds %d", len(extraPages), len(list))
		}
		copy(list, extraPages)
		d.PRP2 = tr.ListPhys() // PRP2 points at the list itself
	}
	return d, nil
}
