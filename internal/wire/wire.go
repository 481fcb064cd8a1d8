// Package wire defines the on-the-wire NVMe structures this core reads and
// writes directly: the 64-byte submission entry, the 16-byte completion
// entry, PRP list entries, and SGL descriptors. Every wire struct carries a
// `var _ [N]byte = [unsafe.Sizeof(T{})]byte{}` compile-time size assertion
// beside it, so a layout mistake fails to build rather than corrupting DMA
// traffic silently.
package wire

import "unsafe"

// PSDT selects how a command's data pointer is interpreted.
type PSDT uint8

const (
	PSDTPRP         PSDT = 0x0
	PSDTSGLMPTRSGL  PSDT = 0x2 // SGL, Metadata pointer contains an SGL segment descriptor's address
)

// SGLType identifies the kind of SGL descriptor.
type SGLType uint8

const (
	SGLTypeDataBlock   SGLType = 0x0
	SGLTypeLastSegment SGLType = 0x3
)

// SGLDescriptor is one 16-byte NVMe SGL descriptor.
type SGLDescriptor struct {
	Addr     uint64
	Length   uint32
	Reserved [3]uint8
	TypeSub  uint8 // bits 7:4 = type, bits 3:0 = sub-type (always 0 here)
}

var _ [16]byte = [unsafe.Sizeof(SGLDescriptor{})]byte{}

// Type extracts the descriptor's type field.
func (d SGLDescriptor) Type() SGLType { return SGLType(d.TypeSub >> 4) }

// SetType sets the descriptor's type field, leaving sub-type at 0.
func (d *SGLDescriptor) SetType(t SGLType) { d.TypeSub = uint8(t) << 4 }

// SubmissionEntry is the 64-byte NVMe submission queue entry.
type SubmissionEntry struct {
	CDW0       uint32 // Opcode (bits 0-7), FUSE (bits 8-9), PSDT (bits 14-15), CID (bits 16-31)
	NSID       uint32
	CDW2, CDW3 uint32
	MPTR       uint64 // Metadata pointer
	PRP1       uint64
	PRP2       uint64 // PRP1 and PRP2 together hold SGL1 when PSDT selects SGL (see SGL1 below)
	CDW10      uint32
	CDW11      uint32
	CDW12      uint32
	CDW13      uint32
	CDW14      uint32
	CDW15      uint32
}

var _ [64]byte = [unsafe.Sizeof(SubmissionEntry{})]byte{}

// Opcode extracts the command opcode from CDW0.
func (e *SubmissionEntry) Opcode() uint8 { return uint8(e.CDW0) }

// SetOpcode sets the command opcode in CDW0, preserving other fields.
func (e *SubmissionEntry) SetOpcode(op uint8) {
	e.CDW0 = (e.CDW0 &^ 0xff) | uint32(op)
}

// CID extracts the command identifier from CDW0.
func (e *SubmissionEntry) CID() uint16 { return uint16(e.CDW0 >> 16) }

// SetCID sets the command identifier in CDW0, preserving other fields.
func (e *SubmissionEntry) SetCID(cid uint16) {
	e.CDW0 = (e.CDW0 & 0x0000ffff) | (uint32(cid) << 16)
}

// PSDT extracts the PRP/SGL selector from CDW0.
func (e *SubmissionEntry) PSDT() PSDT { return PSDT((e.CDW0 >> 14) & 0x3) }

// SetPSDT sets the PRP/SGL selector in CDW0, preserving other fields.
func (e *SubmissionEntry) SetPSDT(p PSDT) {
	e.CDW0 = (e.CDW0 &^ (0x3 << 14)) | (uint32(p&0x3) << 14)
}

// SGL1 views the dptr union (PRP1 + PRP2) as a single SGL descriptor,
// used when PSDT selects SGL_MPTR_SGL.
func (e *SubmissionEntry) SGL1() *SGLDescriptor {
	return (*SGLDescriptor)(unsafe.Pointer(&e.PRP1))
}

// CompletionEntry is the 16-byte NVMe completion queue entry.
type CompletionEntry struct {
	DW0    uint32 // Command-specific
	DW1    uint32 // Reserved
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status uint16 // P (bit 0), SC (bits 1-8), SCT (bits 9-11), CRD (12-13), M (14), DNR (15)
}

var _ [16]byte = [unsafe.Sizeof(CompletionEntry{})]byte{}

// Phase extracts the phase tag bit.
func (c *CompletionEntry) Phase() uint8 { return uint8(c.Status & 0x1) }

// SC extracts the status code.
func (c *CompletionEntry) SC() uint8 { return uint8((c.Status >> 1) & 0xff) }

// SCT extracts the status code type.
func (c *CompletionEntry) SCT() uint8 { return uint8((c.Status >> 9) & 0x7) }

// DNR extracts the Do Not Retry bit.
func (c *CompletionEntry) DNR() bool { return (c.Status>>15)&0x1 != 0 }

// IsError reports whether the completion indicates a failed command (any
// non-zero (SCT,SC) pair).
func (c *CompletionEntry) IsError() bool { return c.SC() != 0 || c.SCT() != 0 }

// SetStatus packs SCT, SC, DNR and the given phase into Status.
func (c *CompletionEntry) SetStatus(sct, sc uint8, dnr bool, phase uint8) {
	s := uint16(phase & 0x1)
	s |= uint16(sc) << 1
	s |= uint16(sct&0x7) << 9
	if dnr {
		s |= 1 << 15
	}
	c.Status = s
}

// Status code types and generic status codes this core produces or
// interprets directly (§4.4, §4.5 abort paths).
const (
	SCTGeneric uint8 = 0x0

	SCInvalidField      uint8 = 0x02
	SCAbortedByRequest  uint8 = 0x07
	SCAbortedSQDeletion uint8 = 0x08
)

// IsRetryable reports whether a completion's status is one the retry policy
// should act on. This core treats every generic-class error status as
// retryable, whatever its status code; DNR always wins regardless of code.
func IsRetryable(c *CompletionEntry) bool {
	if c.DNR() {
		return false
	}
	if !c.IsError() {
		return false
	}
	// Individual generic status codes are not distinguished; anything
	// outside the generic class is treated as non-transient here since this
	// core does not decode vendor/media-specific status tables.
	return c.SCT() == SCTGeneric
}
