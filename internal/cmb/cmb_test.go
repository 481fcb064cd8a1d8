package cmb

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nvmepcie/nvmepcie/internal/collab"
	"github.com/nvmepcie/nvmepcie/internal/regs"
)

func newRegisterWindow(t *testing.T) *regs.Window {
	t.Helper()
	data, err := unix.Mmap(-1, 0, 0x2000, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(data) })
	return regs.New(unsafe.Pointer(&data[0]), 0x2000)
}

func TestDiscoverNoCMB(t *testing.T) {
	w := newRegisterWindow(t)
	mapper, err := collab.NewFakeBarMapper(map[int]int{2: 1 << 20})
	require.NoError(t, err)
	dev := collab.FakePCIDevice{Vendor: 1, Device: 2}

	r, ok, err := Discover(w, mapper, dev)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, r)
}

func TestDiscoverAndAlloc(t *testing.T) {
	w := newRegisterWindow(t)
	mapper, err := collab.NewFakeBarMapper(map[int]int{2: 1 << 20})
	require.NoError(t, err)
	dev := collab.FakePCIDevice{Vendor: 1, Device: 2}

	// SZU=0 (4KiB unit), SZ=16 -> 64KiB total, BIR=2, OFST=0.
	w.Set32(regs.OffCMBSZ, uint32(16)<<12)
	w.Set32(regs.OffCMBLOC, uint32(2))

	r, ok, err := Discover(w, mapper, dev)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uintptr(64*1024), r.Remaining())

	virt1, phys1, ok1 := r.Alloc(4096, 4096)
	require.True(t, ok1)
	assert.NotNil(t, virt1)
	assert.Zero(t, phys1%4096)

	virt2, phys2, ok2 := r.Alloc(4096, 4096)
	require.True(t, ok2)
	assert.NotEqual(t, virt1, virt2)
	assert.Equal(t, phys1+4096, phys2)

	assert.Equal(t, uintptr(64*1024-8192), r.Remaining())
}

func TestAllocExhaustion(t *testing.T) {
	w := newRegisterWindow(t)
	mapper, err := collab.NewFakeBarMapper(map[int]int{0: 1 << 20})
	require.NoError(t, err)
	dev := collab.FakePCIDevice{}

	w.Set32(regs.OffCMBSZ, uint32(1)<<12) // SZU=0, SZ=1 -> 4KiB
	w.Set32(regs.OffCMBLOC, 0)

	r, ok, err := Discover(w, mapper, dev)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, ok1 := r.Alloc(4096, 1)
	require.True(t, ok1)

	_, _, ok2 := r.Alloc(1, 1)
	assert.False(t, ok2)
}

func TestDiscoverWindowExceedsBAR(t *testing.T) {
	w := newRegisterWindow(t)
	mapper, err := collab.NewFakeBarMapper(map[int]int{0: 4096})
	require.NoError(t, err)
	dev := collab.FakePCIDevice{}

	// Advertise a CMB far larger than the mapped BAR.
	w.Set32(regs.OffCMBSZ, uint32(1<<19)<<12)
	w.Set32(regs.OffCMBLOC, 0)

	_, ok, err := Discover(w, mapper, dev)
	assert.False(t, ok)
	assert.Error(t, err)
}
