package payload

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvmepcie/nvmepcie/internal/collab"
	"github.com/nvmepcie/nvmepcie/internal/constants"
	"github.com/nvmepcie/nvmepcie/internal/tracker"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// sliceGatherList iterates a fixed list of segments, for tests only.
type sliceGatherList struct {
	segments []segmentFixture
	pos      int
}

type segmentFixture struct {
	virt   unsafe.Pointer
	length uint32
}

func (g *sliceGatherList) Reset(offset uint64) error {
	if offset != 0 {
		return assertErr("non-zero offset not supported by test fixture")
	}
	g.pos = 0
	return nil
}

func (g *sliceGatherList) Next() (unsafe.Pointer, uint32, bool) {
	if g.pos >= len(g.segments) {
		return nil, 0, false
	}
	s := g.segments[g.pos]
	g.pos++
	return s.virt, s.length, true
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newPool(t *testing.T) (*collab.MemDMA, *collab.MemTranslator) {
	t.Helper()
	dma := collab.NewMemDMA()
	return dma, collab.NewMemTranslator(dma)
}

func allocPages(t *testing.T, dma *collab.MemDMA, pages int) unsafe.Pointer {
	t.Helper()
	virt, _, ok := dma.Alloc(uintptr(pages)*constants.PageSize, constants.PageSize)
	require.True(t, ok)
	return virt
}

func TestBuildContiguousSinglePage(t *testing.T) {
	dma, tr := newPool(t)
	virt := allocPages(t, dma, 1)

	d, err := BuildContiguous(tr, nil, virt, 100)
	require.NoError(t, err)
	assert.NotZero(t, d.PRP1)
	assert.Zero(t, d.PRP2)
}

func TestBuildContiguousTwoPages(t *testing.T) {
	dma, tr := newPool(t)
	virt := allocPages(t, dma, 2)

	d, err := BuildContiguous(tr, nil, virt, constants.PageSize+100)
	require.NoError(t, err)
	assert.NotZero(t, d.PRP1)
	assert.NotZero(t, d.PRP2)
	assert.NotEqual(t, d.PRP1, d.PRP2)
}

func TestBuildContiguousListRequired(t *testing.T) {
	dma, translator := newPool(t)
	virt := allocPages(t, dma, 4)

	_, err := BuildContiguous(translator, nil, virt, 4*constants.PageSize)
	assert.Error(t, err, "should require tracker scratch for >2 pages")

	trackers, err := tracker.New(dma, 1)
	require.NoError(t, err)
	defer trackers.Close()
	tk, ok := trackers.Acquire()
	require.True(t, ok)

	d, err := BuildContiguous(translator, tk, virt, 4*constants.PageSize)
	require.NoError(t, err)
	assert.NotZero(t, d.PRP1)
	assert.Equal(t, tk.ListPhys(), d.PRP2)
}

func TestBuildContiguousZeroLength(t *testing.T) {
	dma, translator := newPool(t)
	virt := allocPages(t, dma, 1)
	_, err := BuildContiguous(translator, nil, virt, 0)
	assert.Error(t, err)
}

func TestBuildGatherPRPSingleSegment(t *testing.T) {
	dma, translator := newPool(t)
	virt := allocPages(t, dma, 1)
	gl := &sliceGatherList{segments: []segmentFixture{{virt: virt, length: 512}}}

	d, err := BuildGatherPRP(translator, nil, gl, 0)
	require.NoError(t, err)
	assert.NotZero(t, d.PRP1)
	assert.Zero(t, d.PRP2)
}

func TestBuildGatherPRPTwoSegments(t *testing.T) {
	dma, translator := newPool(t)
	v1 := allocPages(t, dma, 1)
	v2 := allocPages(t, dma, 1)
	gl := &sliceGatherList{segments: []segmentFixture{
		{virt: v1, length: constants.PageSize},
		{virt: v2, length: 512},
	}}

	trackers, err := tracker.New(dma, 1)
	require.NoError(t, err)
	defer trackers.Close()
	tk, ok := trackers.Acquire()
	require.True(t, ok)

	d, err := BuildGatherPRP(translator, tk, gl, 0)
	require.NoError(t, err)
	assert.NotZero(t, d.PRP1)
	assert.NotZero(t, d.PRP2)
}

func TestBuildGatherPRPManySegmentsUsesList(t *testing.T) {
	dma, translator := newPool(t)
	var segs []segmentFixture
	for i := 0; i < 5; i++ {
		segs = append(segs, segmentFixture{virt: allocPages(t, dma, 1), length: constants.PageSize})
	}
	gl := &sliceGatherList{segments: segs}

	trackers, err := tracker.New(dma, 1)
	require.NoError(t, err)
	defer trackers.Close()
	tk, ok := trackers.Acquire()
	require.True(t, ok)

	d, err := BuildGatherPRP(translator, tk, gl, 0)
	require.NoError(t, err)
	assert.Equal(t, tk.ListPhys(), d.PRP2)
}

func TestBuildGatherPRPRequiresTrackerForManyPages(t *testing.T) {
	dma, translator := newPool(t)
	var segs []segmentFixture
	for i := 0; i < 3; i++ {
		segs = append(segs, segmentFixture{virt: allocPages(t, dma, 1), length: constants.PageSize})
	}
	gl := &sliceGatherList{segments: segs}
	_, err := BuildGatherPRP(translator, nil, gl, 0)
	assert.Error(t, err, "should require tracker scratch for more than two pages")
}

func TestBuildGatherPRPRejectsNonFinalSegmentOffPageBoundary(t *testing.T) {
	dma, translator := newPool(t)
	virt := allocPages(t, dma, 2)
	gl := &sliceGatherList{segments: []segmentFixture{
		{virt: virt, length: constants.PageSize - 1}, // ends one byte short of a page boundary
		{virt: unsafe.Add(virt, constants.PageSize), length: 512},
	}}
	_, err := BuildGatherPRP(translator, nil, gl, 0)
	assert.Error(t, err, "a non-final segment that doesn't end on a page boundary must be rejected")
}

// misalignedTranslator always reports an address one byte off a 4-byte
// boundary, for testing the alignment check independent of allocator
// behavior.
type misalignedTranslator struct{}

func (misalignedTranslator) Translate(unsafe.Pointer) (uint64, error) { return 0x1001, nil }

func TestBuildGatherPRPRejectsUnaligned4ByteAddress(t *testing.T) {
	dma, _ := newPool(t)
	virt := allocPages(t, dma, 1)
	gl := &sliceGatherList{segments: []segmentFixture{{virt: virt, length: 512}}}

	_, err := BuildGatherPRP(misalignedTranslator{}, nil, gl, 0)
	assert.Error(t, err, "a segment physical address not 4-byte aligned must be rejected")
}

func TestBuildGatherPRPAccountsMultiPageSegment(t *testing.T) {
	dma, translator := newPool(t)
	virt := allocPages(t, dma, 3)
	gl := &sliceGatherList{segments: []segmentFixture{{virt: virt, length: 3 * constants.PageSize}}}

	trackers, err := tracker.New(dma, 1)
	require.NoError(t, err)
	defer trackers.Close()
	tk, ok := trackers.Acquire()
	require.True(t, ok)

	d, err := BuildGatherPRP(translator, tk, gl, 0)
	require.NoError(t, err)
	assert.NotZero(t, d.PRP1)
	assert.Equal(t, tk.ListPhys(), d.PRP2)
}

func TestBuildSGLSingleSegment(t *testing.T) {
	dma, translator := newPool(t)
	virt := allocPages(t, dma, 1)
	gl := &sliceGatherList{segments: []segmentFixture{{virt: virt, length: 4096}}}

	d, err := BuildSGL(translator, nil, gl, 0)
	require.NoError(t, err)
	assert.Equal(t, wire.PSDTSGLMPTRSGL, d.PSDT)
	assert.Equal(t, wire.SGLTypeDataBlock, d.SGL1.Type())
	assert.Equal(t, uint32(4096), d.SGL1.Length)
}

func TestBuildSGLMultiSegment(t *testing.T) {
	dma, translator := newPool(t)
	v1 := allocPages(t, dma, 1)
	v2 := allocPages(t, dma, 1)
	gl := &sliceGatherList{segments: []segmentFixture{
		{virt: v1, length: 4096},
		{virt: v2, length: 2048},
	}}

	trackers, err := tracker.New(dma, 1)
	require.NoError(t, err)
	defer trackers.Close()
	tk, ok := trackers.Acquire()
	require.True(t, ok)

	d, err := BuildSGL(translator, tk, gl, 0)
	require.NoError(t, err)
	assert.Equal(t, wire.SGLTypeLastSegment, d.SGL1.Type())
	assert.Equal(t, tk.ListPhys(), d.SGL1.Addr)
	assert.Equal(t, uint32(32), d.SGL1.Length) // 2 descriptors * 16 bytes

	descs := tk.SGLs()
	assert.Equal(t, wire.SGLTypeDataBlock, descs[0].Type())
	assert.Equal(t, wire.SGLTypeDataBlock, descs[1].Type())
}

func TestBuildSGLRejectsMoreThan253Descriptors(t *testing.T) {
	dma, translator := newPool(t)
	var segs []segmentFixture
	for i := 0; i < constants.MaxSGLDescriptors+1; i++ {
		segs = append(segs, segmentFixture{virt: allocPages(t, dma, 1), length: 64})
	}
	gl := &sliceGatherList{segments: segs}

	trackers, err := tracker.New(dma, 1)
	require.NoError(t, err)
	defer trackers.Close()
	tk, ok := trackers.Acquire()
	require.True(t, ok)

	_, err = BuildSGL(translator, tk, gl, 0)
	assert.Error(t, err, "254 segments exceed the 253-descriptor scratch capacity")
}

func TestBuildSGLRequiresTrackerForMultiSegment(t *testing.T) {
	dma, translator := newPool(t)
	v1 := allocPages(t, dma, 1)
	v2 := allocPages(t, dma, 1)
	gl := &sliceGatherList{segments: []segmentFixture{
		{virt: v1, length: 4096},
		{virt: v2, length: 2048},
	}}
	_, err := BuildSGL(translator, nil, gl, 0)
	assert.Error(t, err)
}

func TestBuildSGLEmptyList(t *testing.T) {
	_, translator := newPool(t)
	gl := &sliceGatherList{}
	_, err := BuildSGL(translator, nil, gl, 0)
	assert.Error(t, err)
}
