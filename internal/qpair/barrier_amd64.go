//go:build linux && cgo

package qpair

/*
#include <stdint.h>

// x86-64 store fence: all prior stores are globally visible before any
// subsequent store.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}
*/
import "C"

// sfence issues a store fence between the command-slot store and the
// submission-tail doorbell write (§4.5 step 7), so the device never
// observes the new tail before the command it names.
func sfence() {
	C.sfence_impl()
}
