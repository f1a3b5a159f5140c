package backend

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/format"
	"github.com/mstarongithub/way2gay-kms/kms/kmstest"
	"github.com/mstarongithub/way2gay-kms/scene"
)

const connectorHDMIA = 11

type frame struct {
	out   *Output
	ts    unix.Timespec
	flags scene.PresentFlags
}

type testCompositor struct {
	frames    []frame
	repaints  []*Output
	created   []*Output
	destroyed []*Output
}

func (c *testCompositor) FinishFrame(out *Output, ts unix.Timespec, flags scene.PresentFlags) {
	c.frames = append(c.frames, frame{out: out, ts: ts, flags: flags})
}

func (c *testCompositor) ScheduleRepaint(out *Output) { c.repaints = append(c.repaints, out) }
func (c *testCompositor) OutputCreated(out *Output)   { c.created = append(c.created, out) }
func (c *testCompositor) OutputDestroyed(out *Output) { c.destroyed = append(c.destroyed, out) }

// Paints into the dumb buffer like the software renderer does
type testRenderer struct {
	calls  int
	damage []geom.Region
	fail   error
}

func (r *testRenderer) RepaintOutput(out *Output, damage geom.Region) error {
	r.calls++
	r.damage = append(r.damage, damage)
	if r.fail != nil {
		return r.fail
	}
	if fb := out.RenderTarget(); fb != nil && len(fb.Mem) > 0 {
		fb.Mem[0] = byte(r.calls)
	}
	return nil
}

type testBO struct {
	buf      *scene.Buffer
	fourcc   uint32
	handle   uint32
	released int
}

func (bo *testBO) Width() uint32    { return uint32(bo.buf.Width) }
func (bo *testBO) Height() uint32   { return uint32(bo.buf.Height) }
func (bo *testBO) Stride() uint32   { return uint32(bo.buf.Width) * 4 }
func (bo *testBO) Handle() uint32   { return bo.handle }
func (bo *testBO) Format() uint32   { return bo.fourcc }
func (bo *testBO) Modifier() uint64 { return 0 }
func (bo *testBO) Release()         { bo.released++ }

type testImporter struct {
	bos     map[uint64]*testBO
	imports int
	fail    error
}

func newTestImporter() *testImporter {
	return &testImporter{bos: map[uint64]*testBO{}}
}

func (i *testImporter) Import(buf *scene.Buffer, usage Usage) (BufferObject, error) {
	if i.fail != nil {
		return nil, i.fail
	}
	i.imports++
	bo, ok := i.bos[buf.ID]
	if !ok {
		bo = &testBO{buf: buf, fourcc: buf.Format, handle: uint32(500 + buf.ID)}
		i.bos[buf.ID] = bo
	}
	return bo, nil
}

// Balance is imports minus releases, zero once the backend let go of everything
func (i *testImporter) balance() int {
	n := i.imports
	for _, bo := range i.bos {
		n -= bo.released
	}
	return n
}

type testTimer struct {
	fn      func()
	stopped bool
}

func (t *testTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type rig struct {
	t        *testing.T
	dev      *kmstest.Device
	b        *Backend
	comp     *testCompositor
	renderer *testRenderer
	importer *testImporter
	hook     *test.Hook

	crtc, conn             uint32
	primary, cursor, sprite uint32

	queue  []func()
	timers []*testTimer
	exits  []int
	clock  unix.Timespec
}

type rigOption func(r *rig)

// withDevice runs before the backend is created
func withDevice(fn func(r *rig)) rigOption { return fn }

func newRig(t *testing.T, opts Options, ropts ...rigOption) *rig {
	t.Helper()
	dev := kmstest.New()
	r := &rig{
		t:        t,
		dev:      dev,
		comp:     &testCompositor{},
		renderer: &testRenderer{},
		importer: newTestImporter(),
		clock:    unix.Timespec{Sec: 100},
	}
	r.crtc = dev.AddCrtc()
	r.primary = dev.AddPlane(kmstest.PlanePrimary, 0x1)
	r.cursor = dev.AddPlane(kmstest.PlaneCursor, 0x1, format.ARGB8888)
	r.sprite = dev.AddPlane(kmstest.PlaneOverlay, 0x1)
	r.conn = dev.AddConnector(true, connectorHDMIA, kmstest.Mode(1024, 768, true), kmstest.Mode(800, 600, false))
	for _, o := range ropts {
		o(r)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	r.hook = hook

	b, err := New(dev, opts, Deps{
		Compositor: r.comp,
		Renderer:   r.renderer,
		Importer:   r.importer,
		Log:        logger.WithField("component", "kms"),
		Post:       func(fn func()) { r.queue = append(r.queue, fn) },
		Exit:       func(code int) { r.exits = append(r.exits, code) },
		Now:        func() unix.Timespec { return r.clock },
		Timer: func(d time.Duration, fn func()) Stopper {
			tm := &testTimer{fn: fn}
			r.timers = append(r.timers, tm)
			return tm
		},
	})
	require.NoError(t, err)
	r.b = b
	return r
}

// enabled creates the outputs and enables the first one in its preferred mode
// physical is the first output backed by a connector
func (r *rig) physical() *Output {
	r.t.Helper()
	outs := sliceutils.Filter(r.b.Outputs(), func(out *Output) bool { return !out.Virtual() })
	require.NotEmpty(r.t, outs)
	return outs[0]
}

func (r *rig) enabled() *Output {
	r.t.Helper()
	require.NoError(r.t, r.b.CreateOutputs())
	out := r.physical()
	require.NoError(r.t, out.SetMode(OutputModePreferred, ""))
	require.NoError(r.t, out.Enable())
	return out
}

func (r *rig) drain() {
	for len(r.queue) > 0 {
		fn := r.queue[0]
		r.queue = r.queue[1:]
		fn()
	}
}

func (r *rig) dispatch() {
	r.t.Helper()
	require.NoError(r.t, r.b.DispatchEvents())
}

// repaint runs one full cycle for out
func (r *rig) repaint(out *Output, views []*scene.View, damage geom.Region) (*Assignment, error) {
	pending := r.b.RepaintBegin()
	a, err := r.b.AssignPlanes(out, views, pending)
	if err != nil {
		r.b.RepaintCancel(pending)
		return nil, err
	}
	if err := r.b.Repaint(out, damage, pending); err != nil {
		r.b.RepaintCancel(pending)
		return a, err
	}
	return a, r.b.RepaintFlush(pending)
}

// frame runs a cycle with nothing but the renderer and waits for completion
func (r *rig) frame(out *Output) {
	r.t.Helper()
	_, err := r.repaint(out, nil, geom.RegionFromRect(out.Region()))
	require.NoError(r.t, err)
	r.dispatch()
}

func fullDamage(out *Output) geom.Region {
	return geom.RegionFromRect(out.Region())
}

var nextBufferID uint64

func dmabufView(out *Output, x, y float64, w, h int32, fourcc uint32, opaque bool) *scene.View {
	nextBufferID++
	s := &scene.Surface{
		Width:  w,
		Height: h,
		Buffer: &scene.Buffer{
			ID:     nextBufferID,
			Type:   scene.BufferDMABUF,
			Width:  w,
			Height: h,
			Format: fourcc,
			DMABUF: &scene.DMABUFAttributes{Planes: 1},
		},
		BufferScale: 1,
	}
	if opaque {
		s.Opaque = geom.RegionFromRect(geom.NewRect(0, 0, w, h))
	}
	return &scene.View{
		Surface:    s,
		X:          x,
		Y:          y,
		Alpha:      1,
		OutputMask: 1 << uint(out.Index()),
	}
}

func shmView(out *Output, x, y float64, w, h int32) *scene.View {
	nextBufferID++
	data := make([]byte, w*h*4)
	for i := range data {
		data[i] = byte(i)
	}
	s := &scene.Surface{
		Width:  w,
		Height: h,
		Buffer: &scene.Buffer{
			ID:     nextBufferID,
			Type:   scene.BufferSHM,
			Width:  w,
			Height: h,
			Format: format.ARGB8888,
			Stride: w * 4,
			Data:   data,
		},
		BufferScale: 1,
		Damage:      geom.RegionFromRect(geom.NewRect(0, 0, w, h)),
	}
	return &scene.View{
		Surface:    s,
		X:          x,
		Y:          y,
		Alpha:      1,
		OutputMask: 1 << uint(out.Index()),
	}
}

func (r *rig) plane(id uint32) *Plane {
	r.t.Helper()
	for _, p := range r.b.planes {
		if p.ID == id {
			return p
		}
	}
	r.t.Fatalf("no plane %d", id)
	return nil
}

func (r *rig) opsFor(op string) []kmstest.Call {
	return r.dev.CallsTo(op)
}
