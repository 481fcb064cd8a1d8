// Package regs implements the Register Window (§4.1): typed MMIO
// load/store helpers over a controller's BAR0, plus decoders for the
// register layout in §6 (CAP, CC, CSTS, AQA, ASQ, ACQ, CMBLOC, CMBSZ, and
// the doorbell array).
package regs

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Window is a bounds-checked view over one mapped BAR.
type Window struct {
	base unsafe.Pointer
	size uintptr
}

// New wraps an already-mapped BAR. virt/size are handed in by the bring-up
// collaborator (collab.PCIBarMapper); this package never maps memory itself.
func New(virt unsafe.Pointer, size uintptr) *Window {
	return &Window{base: virt, size: size}
}

func (w *Window) checkRange(offset uintptr, width uintptr) {
	if offset+width > w.size {
		panic(fmt.Sprintf("regs: access at offset 0x%x width %d exceeds register block of size %d", offset, width, w.size))
	}
}

// Get32 performs a 32-bit volatile MMIO load at offset.
func (w *Window) Get32(offset uintptr) uint32 {
	w.checkRange(offset, 4)
	return atomic.LoadUint32((*uint32)(unsafe.Add(w.base, offset)))
}

// Set32 performs a 32-bit release-ordered MMIO store at offset.
func (w *Window) Set32(offset uintptr, v uint32) {
	w.checkRange(offset, 4)
	atomic.StoreUint32((*uint32)(unsafe.Add(w.base, offset)), v)
}

// Get64 performs a 64-bit volatile MMIO load at offset.
func (w *Window) Get64(offset uintptr) uint64 {
	w.checkRange(offset, 8)
	return atomic.LoadUint64((*uint64)(unsafe.Add(w.base, offset)))
}

// Set64 performs a 64-bit release-ordered MMIO store at offset.
func (w *Window) Set64(offset uintptr, v uint64) {
	w.checkRange(offset, 8)
	atomic.StoreUint64((*uint64)(unsafe.Add(w.base, offset)), v)
}

// Register byte offsets, per §6.
const (
	OffCAP     = 0x00
	OffCC      = 0x14
	OffCSTS    = 0x1c
	OffAQA     = 0x24
	OffASQ     = 0x28
	OffACQ     = 0x30
	OffCMBLOC  = 0x38
	OffCMBSZ   = 0x3c
	OffDoorbells = 0x1000
)

// CAP returns the raw Controller Capabilities register.
func (w *Window) CAP() uint64 { return w.Get64(OffCAP) }

// MQES extracts Maximum Queue Entries Supported (zero-based) from CAP.
func (w *Window) MQES() uint32 { return uint32(w.CAP() & 0xffff) }

// DSTRD extracts the Doorbell Stride field from CAP.
func (w *Window) DSTRD() uint32 { return uint32((w.CAP() >> 32) & 0xf) }

// DoorbellStrideU32 returns the stride between adjacent doorbell registers,
// expressed in 32-bit units (§6: stride = 2^(DSTRD+2) bytes).
func (w *Window) DoorbellStrideU32() uint32 { return 1 << w.DSTRD() }

// CC returns the Controller Configuration register.
func (w *Window) CC() uint32 { return w.Get32(OffCC) }

// SetCC sets the Controller Configuration register.
func (w *Window) SetCC(v uint32) { w.Set32(OffCC, v) }

// CC.EN is bit 0.
func (w *Window) SetEnabled(en bool) {
	cc := w.CC()
	if en {
		cc |= 1
	} else {
		cc &^= 1
	}
	w.SetCC(cc)
}

// CSTS returns the Controller Status register.
func (w *Window) CSTS() uint32 { return w.Get32(OffCSTS) }

// Ready reports CSTS.RDY (bit 0).
func (w *Window) Ready() bool { return w.CSTS()&0x1 != 0 }

// AQA returns the raw Admin Queue Attributes register.
func (w *Window) AQA() uint32 { return w.Get32(OffAQA) }

// SetAQA packs zero-based admin SQ/CQ sizes into AQA.
func (w *Window) SetAQA(sqSizeZeroBased, cqSizeZeroBased uint32) {
	w.Set32(OffAQA, (sqSizeZeroBased&0xfff)|((cqSizeZeroBased&0xfff)<<16))
}

// ASQ returns the Admin Submission Queue base address.
func (w *Window) ASQ() uint64 { return w.Get64(OffASQ) }

// SetASQ sets the Admin Submission Queue base address.
func (w *Window) SetASQ(v uint64) { w.Set64(OffASQ, v) }

// ACQ returns the Admin Completion Queue base address.
func (w *Window) ACQ() uint64 { return w.Get64(OffACQ) }

// SetACQ sets the Admin Completion Queue base address.
func (w *Window) SetACQ(v uint64) { w.Set64(OffACQ, v) }

// CMBLOC describes the CMB's location within the device's BARs.
type CMBLOC struct {
	BIR  uint8
	OFST uint32 // in CMBSZ size units, not bytes
}

// ReadCMBLOC decodes the CMBLOC register.
func (w *Window) ReadCMBLOC() CMBLOC {
	raw := w.Get32(OffCMBLOC)
	return CMBLOC{
		BIR:  uint8(raw & 0x7),
		OFST: raw >> 12, // caller multiplies by unit from CMBSZ
	}
}

// CMBSZ describes the CMB's size as decoded by ReadCMBSZ: SZ counts units
// of Unit() bytes; TotalSize gives the size in bytes.
type CMBSZ struct {
	Supported bool
	SZU       uint8
	SZ        uint32
}

// ReadCMBSZ decodes the CMBSZ register.
func (w *Window) ReadCMBSZ() CMBSZ {
	raw := w.Get32(OffCMBSZ)
	sz := raw >> 12
	return CMBSZ{
		Supported: sz != 0,
		SZU:       uint8((raw >> 8) & 0xf),
		SZ:        sz,
	}
}

// Unit returns 2^(12+4*SZU) bytes, the CMB size/offset unit.
func (c CMBSZ) Unit() uint64 { return 1 << (12 + 4*uint(c.SZU)) }

// TotalSize returns SZ*Unit() bytes.
func (c CMBSZ) TotalSize() uint64 { return uint64(c.SZ) * c.Unit() }

// Doorbell computes the byte offset of a queue's tail (sq) or head (cq)
// doorbell register, per the formula in §6 and §4.5:
//
//	offset = DoorbellBaseOffset + (2*qid + k) * stride_u32 * 4
//
// where k=0 selects the submission tail doorbell and k=1 the completion
// head doorbell.
func Doorbell(qid uint16, isCompletion bool, strideU32 uint32) uintptr {
	k := uint32(0)
	if isCompletion {
		k = 1
	}
	return uintptr(OffDoorbells) + uintptr((2*uint32(qid)+k)*strideU32*4)
}
