package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/scene"
)

type testSink struct {
	frames []*Output
}

func (s *testSink) Frame(out *Output) { s.frames = append(s.frames, out) }

func (r *rig) virtualOutput(sink VirtualOutputHandler) *Output {
	r.t.Helper()
	out := r.b.CreateVirtualOutput("virtual-1", sink)
	require.NoError(r.t, out.SetVirtualMode(640, 480, 0))
	require.NoError(r.t, out.Enable())
	return out
}

func TestVirtualOutputForcesLegacy(t *testing.T) {
	r := newRig(t, Options{})
	require.True(t, r.b.Atomic())
	out := r.b.CreateVirtualOutput("virtual-1", nil)
	assert.False(t, r.b.Atomic())
	assert.True(t, out.Virtual())
	assert.Equal(t, []*Output{out}, r.comp.created)

	// Its primary plane exists for bookkeeping only
	p := out.ScanoutPlane()
	require.NotNil(t, p)
	assert.True(t, p.Fake())
	assert.Zero(t, p.PossibleCrtcs)
	assert.Contains(t, r.b.Planes(), p)
}

func TestVirtualMode(t *testing.T) {
	r := newRig(t, Options{})
	out := r.b.CreateVirtualOutput("virtual-1", nil)
	assert.ErrorIs(t, out.Enable(), ErrModeNotFound)
	assert.ErrorIs(t, out.SetVirtualMode(0, 480, 0), ErrModeNotFound)

	require.NoError(t, out.SetVirtualMode(640, 480, 0))
	assert.Equal(t, int32(60000), out.CurrentMode().Refresh)
	require.NoError(t, out.SetVirtualMode(320, 200, 30))
	assert.Equal(t, int32(30000), out.CurrentMode().Refresh)
	assert.Len(t, out.Modes(), 1)

	assert.ErrorIs(t, out.SetMode(OutputModePreferred, ""), ErrVirtualOutput)
	assert.ErrorIs(t, out.SwitchMode(640, 480, 0), ErrVirtualOutput)

	phys := firstOutput(t, r)
	assert.ErrorIs(t, phys.SetVirtualMode(640, 480, 0), ErrModeNotFound)
}

func TestVirtualFrame(t *testing.T) {
	r := newRig(t, Options{RepaintWindow: 7 * time.Millisecond})
	sink := &testSink{}
	out := r.virtualOutput(sink)
	assert.Equal(t, 0, out.Index())

	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	assert.Equal(t, DPMSOn, out.DPMS())
	assert.Equal(t, []*Output{out}, sink.frames)
	assert.True(t, out.pageFlipPending)
	assert.Empty(t, r.opsFor("PageFlip"))
	assert.Empty(t, r.comp.frames)

	fd, stride, err := r.b.ScanoutHandle(out)
	require.NoError(t, err)
	assert.Equal(t, 1000+int(out.scanoutPlane.LiveFB().Handle), fd)
	assert.Equal(t, uint32(640*4), stride)

	r.clock = unix.Timespec{Sec: 105}
	out.FinishVirtualFrame()
	require.Len(t, r.comp.frames, 1)
	assert.Equal(t, unix.Timespec{Sec: 100, Nsec: 7000000}, r.comp.frames[0].ts)
	assert.Equal(t, scene.PresentHWCompletion, r.comp.frames[0].flags)
	assert.False(t, out.pageFlipPending)

	// A second finish has nothing to complete
	out.FinishVirtualFrame()
	assert.Len(t, r.comp.frames, 1)
}

func TestVirtualFrameWithoutWindow(t *testing.T) {
	r := newRig(t, Options{})
	out := r.virtualOutput(&testSink{})
	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)

	r.clock = unix.Timespec{Sec: 105}
	out.FinishVirtualFrame()
	require.Len(t, r.comp.frames, 1)
	assert.Equal(t, r.clock, r.comp.frames[0].ts)
}

func TestVirtualUnchangedFrame(t *testing.T) {
	r := newRig(t, Options{})
	sink := &testSink{}
	out := r.virtualOutput(sink)
	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	out.FinishVirtualFrame()
	live := out.scanoutPlane.LiveFB()

	// Nothing damaged, the same buffer is shown and the frame finishes itself
	_, err = r.repaint(out, nil, geom.Region{})
	require.NoError(t, err)
	assert.Len(t, sink.frames, 1)
	assert.Same(t, live, out.scanoutPlane.LiveFB())
	assert.Len(t, r.comp.frames, 1)
	r.drain()
	assert.Len(t, r.comp.frames, 2)
	assert.False(t, out.pageFlipPending)
}

func TestVirtualScanoutHandleWithoutFrame(t *testing.T) {
	r := newRig(t, Options{})
	out := r.virtualOutput(&testSink{})
	_, _, err := r.b.ScanoutHandle(out)
	assert.ErrorIs(t, err, ErrNoScanout)
}

func TestVirtualAndRealInOneCycle(t *testing.T) {
	r := newRig(t, Options{})
	phys := r.enabled()
	sink := &testSink{}
	virt := r.virtualOutput(sink)
	assert.Equal(t, 1, virt.Index())

	pending := r.b.RepaintBegin()
	for _, out := range []*Output{phys, virt} {
		_, err := r.b.AssignPlanes(out, nil, pending)
		require.NoError(t, err)
		require.NoError(t, r.b.Repaint(out, fullDamage(out), pending))
	}
	require.NoError(t, r.b.RepaintFlush(pending))

	assert.Len(t, r.opsFor("PageFlip"), 1)
	assert.Equal(t, []*Output{virt}, sink.frames)

	r.dispatch()
	require.Len(t, r.comp.frames, 1)
	assert.Same(t, phys, r.comp.frames[0].out)
	virt.FinishVirtualFrame()
	require.Len(t, r.comp.frames, 2)
	assert.Same(t, virt, r.comp.frames[1].out)
}

func TestVirtualDisableDeferred(t *testing.T) {
	r := newRig(t, Options{})
	out := r.virtualOutput(&testSink{})
	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)

	assert.ErrorIs(t, out.Disable(), ErrOutputBusy)
	assert.True(t, out.Enabled())
	out.FinishVirtualFrame()
	assert.False(t, out.Enabled())
	assert.Equal(t, -1, out.Index())
	assert.Empty(t, r.comp.frames)
}

func TestVirtualDestroy(t *testing.T) {
	r := newRig(t, Options{})
	out := r.virtualOutput(&testSink{})
	plane := out.ScanoutPlane()
	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)

	out.Destroy()
	assert.Contains(t, r.b.Outputs(), out, "deferred while the frame is out")
	out.FinishVirtualFrame()
	assert.NotContains(t, r.b.Outputs(), out)
	assert.NotContains(t, r.b.Planes(), plane)
	assert.Equal(t, []*Output{out}, r.comp.destroyed)
	assert.Empty(t, r.comp.frames)
	assert.Empty(t, r.dev.Dumbs, "render buffers are gone")
}

func TestVirtualRepaintLoop(t *testing.T) {
	r := newRig(t, Options{})
	out := r.virtualOutput(&testSink{})
	r.b.StartRepaintLoop(out)
	require.Len(t, r.comp.frames, 1)
	assert.Equal(t, scene.PresentInvalid, r.comp.frames[0].flags)
}
