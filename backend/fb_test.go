package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstarongithub/way2gay-kms/kms/format"
	"github.com/mstarongithub/way2gay-kms/scene"
)

func TestDumbRefcount(t *testing.T) {
	r := newRig(t, Options{})
	fb, err := r.b.CreateDumb(256, 128, format.XRGB8888)
	require.NoError(t, err)
	require.Len(t, r.dev.FBs, 1)
	assert.Equal(t, 1, fb.Refs())
	assert.Len(t, fb.Mem, 256*4*128)

	id := fb.ID
	for i := 0; i < 5; i++ {
		fb.Ref()
	}
	for i := 0; i < 5; i++ {
		fb.Unref()
		assert.Empty(t, r.dev.RemovedFBs, "fb removed while still referenced")
	}
	fb.Unref()

	assert.Equal(t, []uint32{id}, r.dev.RemovedFBs)
	assert.Equal(t, 1, r.dev.Unmapped)
	assert.Len(t, r.dev.DestroyedDumbs, 1)
	assert.Equal(t, 1, r.dev.AddedFBs)

	assert.Panics(t, func() { fb.Unref() })
}

func TestDumbUnknownFormat(t *testing.T) {
	r := newRig(t, Options{})
	_, err := r.b.CreateDumb(64, 64, 0x12345678)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Empty(t, r.dev.Dumbs)
}

func TestAddFBFallback(t *testing.T) {
	r := newRig(t, Options{})
	r.dev.NoAddFB2 = true
	fb, err := r.b.CreateDumb(64, 64, format.XRGB8888)
	require.NoError(t, err)
	assert.True(t, r.dev.FBs[fb.ID].Legacy)
}

func TestGetFromBOSharesFramebuffer(t *testing.T) {
	r := newRig(t, Options{})
	buf := &scene.Buffer{ID: 7, Type: scene.BufferDMABUF, Width: 640, Height: 480, Format: format.XRGB8888}

	first, err := r.importer.Import(buf, UsageScanout)
	require.NoError(t, err)
	a, err := r.b.GetFromBO(first, 0, FBClient)
	require.NoError(t, err)

	second, err := r.importer.Import(buf, UsageScanout)
	require.NoError(t, err)
	b, err := r.b.GetFromBO(second, 0, FBClient)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 2, a.Refs())
	assert.Equal(t, 1, r.dev.AddedFBs)

	// Another kind for the same buffer is refused
	_, err = r.b.GetFromBO(first, 0, FBGBMSurface)
	assert.Error(t, err)

	a.Unref()
	assert.Empty(t, r.dev.RemovedFBs)
	b.Unref()
	assert.Len(t, r.dev.RemovedFBs, 1)
	assert.Zero(t, r.importer.balance())
}

func TestGetFromBOBounds(t *testing.T) {
	r := newRig(t, Options{})
	buf := &scene.Buffer{ID: 8, Type: scene.BufferDMABUF, Width: 10000, Height: 480, Format: format.XRGB8888}
	bo, err := r.importer.Import(buf, UsageScanout)
	require.NoError(t, err)

	_, err = r.b.GetFromBO(bo, 0, FBClient)
	assert.ErrorIs(t, err, ErrBufferOutOfBounds)
	assert.Zero(t, r.dev.AddedFBs)
}

func TestSurfaceFramebufferStaysRegistered(t *testing.T) {
	r := newRig(t, Options{})
	buf := &scene.Buffer{ID: 9, Type: scene.BufferGPU, Width: 640, Height: 480, Format: format.XRGB8888}
	bo, _ := r.importer.Import(buf, UsageScanout)

	fb, err := r.b.GetFromBO(bo, format.XRGB8888, FBGBMSurface)
	require.NoError(t, err)
	fb.Unref()
	assert.Empty(t, r.dev.RemovedFBs, "surface fbs are kept for the next lock")
	assert.Equal(t, 1, r.importer.bos[9].released)

	bo, _ = r.importer.Import(buf, UsageScanout)
	again, err := r.b.GetFromBO(bo, format.XRGB8888, FBGBMSurface)
	require.NoError(t, err)
	assert.Same(t, fb, again)
	assert.Equal(t, 1, r.dev.AddedFBs)
}
