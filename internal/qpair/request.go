package qpair

import (
	"unsafe"

	"github.com/nvmepcie/nvmepcie/internal/payload"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// PayloadKind discriminates how a Request's data pointer is built.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadContig
	PayloadSGL
)

// Request is the external, caller-owned unit of work the core drives
// (§3's "Request (external)"). The core treats it opaquely aside from the
// fields below.
type Request struct {
	Cmd wire.SubmissionEntry

	Payload        PayloadKind
	Buffer         unsafe.Pointer
	MetadataBuffer unsafe.Pointer
	PayloadSize    uint32
	PayloadOffset  uint64
	MDOffset       uint64
	Gather         payload.GatherList

	Retries int
	PID     int

	Callback    func(cpl *wire.CompletionEntry, arg any)
	CallbackArg any
	Completion  wire.CompletionEntry

	// AER marks this request as an Asynchronous Event Request, so Disable
	// aborts it alone rather than every outstanding command (§3.9).
	AER bool
}
