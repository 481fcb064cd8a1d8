package payload

import (
	"fmt"
	"unsafe"

	"github.com/nvmepcie/nvmepcie/internal/collab"
	"github.com/nvmepcie/nvmepcie/internal/tracker"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// BuildSGL builds an SGL-based Descriptor from gather (§4.4.3). A
// single-segment transfer embeds its Data Block descriptor directly in
// SGL1. A multi-segment transfer instead points SGL1 at one Last Segment
// descriptor covering a run of Data Block descriptors built in tr's
// scratch page, the one extra segment this core's data-pointer model
// allows.
func BuildSGL(translator collab.Translator, tr *tracker.Tracker, gather GatherList, offset uint64) (Descriptor, error) {
	if err := gather.Reset(offset); err != nil {
		return Descriptor{}, fmt.Errorf("payload: reset gather list: %w", err)
	}

	type segment struct {
		phys   uint64
		length uint32
	}
	var segments []segment
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
		segments = append(segments, segment{phys: phys, length: length})
	}
	if len(segments) == 0 {
		return Descriptor{}, fmt.Errorf("payload: gather list is empty")
	}

	d := Descriptor{PSDT: wire.PSDTSGLMPTRSGL}

	if len(segments) == 1 {
		d.SGL1 = wire.SGLDescriptor{Addr: segments[0].phys, Length: segments[0].length}
		d.SGL1.SetType(wire.SGLTypeDataBlock)
		return d, nil
	}

	if tr == nil {
		return Descriptor{}, fmt.Errorf("payload: multi-segment SGL build requires tracker scratch")
	}
	descs := tr.SGLs()
	if len(segments) > len(descs) {
		return Descriptor{}, fmt.Errorf("payload: %d SGL data blocks exceed scratch capacity %d", len(segments), len(descs))
	}
	for i, s := range segments {
		descs[i] = wire.SGLDescriptor{Addr: s.phys, Length: s.length}
		descs[i].SetType(wire.SGLTypeDataBlock)
	}

	segBytes := uint32(len(segments)) * uint32(unsafe.Sizeof(wire.SGLDescriptor{}))
	d.SGL1 = wire.SGLDescriptor{Addr: tr.ListPhys(), Length: segBytes}
	d.SGL1.SetType(wire.SGLTypeLastSegment)
	return d, nil
}
