//go:build !cgo || !linux

package qpair

import "sync/atomic"

// sfence falls back to an atomic store as a publish barrier when cgo is
// unavailable. This is a strictly weaker guarantee than the x86 SFENCE
// instruction on non-x86 targets; see the design notes on sq_in_cmb
// fencing for why this matters only for CMB-backed submission queues.
func sfence() {
	var published uint32
	atomic.StoreUint32(&published, 1)
}
