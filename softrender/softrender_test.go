package softrender

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/backend"
	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/format"
	"github.com/mstarongithub/way2gay-kms/kms/kmstest"
	"github.com/mstarongithub/way2gay-kms/scene"
)

type nopCompositor struct{}

func (nopCompositor) FinishFrame(*backend.Output, unix.Timespec, scene.PresentFlags) {}
func (nopCompositor) ScheduleRepaint(*backend.Output)                               {}

func setup(t *testing.T, opts backend.Options) (*Renderer, *backend.Backend, *backend.Output) {
	t.Helper()
	dev := kmstest.New()
	dev.AddCrtc()
	dev.AddPlane(kmstest.PlanePrimary, 0x1)
	dev.AddConnector(true, 11, kmstest.Mode(64, 48, true))

	r := New(0x102030)
	b, err := backend.New(dev, opts, backend.Deps{Compositor: nopCompositor{}, Renderer: r})
	require.NoError(t, err)
	require.NoError(t, b.CreateOutputs())
	out := b.Outputs()[0]
	require.NoError(t, out.SetMode(backend.OutputModePreferred, ""))
	require.NoError(t, out.Enable())
	return r, b, out
}

func paint(t *testing.T, r *Renderer, b *backend.Backend, out *backend.Output, views []*scene.View) *backend.Framebuffer {
	t.Helper()
	pending := b.RepaintBegin()
	_, err := b.AssignPlanes(out, views, pending)
	require.NoError(t, err)
	r.SetViews(out, views)
	require.NoError(t, b.Repaint(out, geom.RegionFromRect(out.Region()), pending))
	require.NoError(t, b.RepaintFlush(pending))
	fb := out.ScanoutPlane().LiveFB()
	require.NotNil(t, fb)
	return fb
}

func solid(x, y float64, w, h int32, fourcc, px uint32) *scene.View {
	data := make([]byte, w*h*4)
	for i := 0; i < len(data); i += 4 {
		binary.LittleEndian.PutUint32(data[i:], px)
	}
	return &scene.View{
		Surface: &scene.Surface{
			Width:       w,
			Height:      h,
			BufferScale: 1,
			Buffer: &scene.Buffer{
				Type:   scene.BufferSHM,
				Width:  w,
				Height: h,
				Stride: w * 4,
				Format: fourcc,
				Data:   data,
			},
		},
		X:          x,
		Y:          y,
		Alpha:      1,
		OutputMask: 1,
	}
}

func pixel(fb *backend.Framebuffer, x, y int) uint32 {
	return binary.LittleEndian.Uint32(fb.Mem[y*int(fb.Stride)+x*4:]) & 0xffffff
}

func TestBackground(t *testing.T) {
	r, b, out := setup(t, backend.Options{})
	fb := paint(t, r, b, out, nil)
	assert.Equal(t, uint32(0x102030), pixel(fb, 0, 0))
	assert.Equal(t, uint32(0x102030), pixel(fb, 63, 47))
}

func TestViewsBlended(t *testing.T) {
	r, b, out := setup(t, backend.Options{CursorWidth: 1, CursorHeight: 1})
	bottom := solid(0, 0, 32, 32, format.XRGB8888, 0x0000ff)
	// Half transparent premultiplied red
	top := solid(16, 16, 32, 32, format.ARGB8888, 0x80800000)
	fb := paint(t, r, b, out, []*scene.View{top, bottom})
	require.Equal(t, scene.PlanePrimary, top.Plane)

	assert.Equal(t, uint32(0x0000ff), pixel(fb, 4, 4))
	assert.Equal(t, uint32(0x80007f), pixel(fb, 20, 20), "red over blue")
	assert.Equal(t, uint32(0x881018), pixel(fb, 40, 40), "red over background")
	assert.Equal(t, uint32(0x102030), pixel(fb, 60, 4))
}

func TestInitOutputFormat(t *testing.T) {
	_, b, _ := setup(t, backend.Options{})
	out := b.Outputs()[0]
	require.NoError(t, out.Disable())
	out.SetFormat("xrgb2101010")
	assert.ErrorIs(t, out.Enable(), backend.ErrUnsupportedFormat)
}

func TestPixelHelpers(t *testing.T) {
	assert.Equal(t, uint32(0xffffff), from565(to565(0xffffff)))
	assert.Equal(t, uint32(0), from565(to565(0)))
	assert.Equal(t, uint16(0xf800), to565(0xff0000))
	assert.Equal(t, uint32(0x404040), over(0x404040, 0xffffff, 0xff))
	assert.Equal(t, uint32(0x7f7f7f), scaleRGB(0xffffff, 0.5))
}
