package backend

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/kms/format"
	"github.com/mstarongithub/way2gay-kms/kms/kmstest"
	"github.com/mstarongithub/way2gay-kms/kms/props"
	"github.com/mstarongithub/way2gay-kms/scene"
)

const flipFlags = scene.PresentVSync | scene.PresentHWCompletion | scene.PresentHWClock

func (r *rig) lastCommit() kmstest.Commit {
	r.t.Helper()
	require.NotEmpty(r.t, r.dev.Commits)
	return r.dev.Commits[len(r.dev.Commits)-1]
}

func (r *rig) prop(c kmstest.Commit, obj uint32, name string) (uint64, bool) {
	return c.Req.Find(obj, r.dev.PropID(name))
}

func TestAtomicFirstFrame(t *testing.T) {
	r := newRig(t, Options{})
	require.True(t, r.b.Atomic())
	out := r.enabled()

	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	require.Len(t, r.dev.Commits, 1)
	c := r.lastCommit()

	assert.NotZero(t, c.Flags&device.AtomicAllowModeset)
	assert.NotZero(t, c.Flags&device.PageFlipEvent)
	assert.NotZero(t, c.Flags&device.AtomicNonBlock)

	active, _ := r.prop(c, r.crtc, "ACTIVE")
	assert.Equal(t, uint64(1), active)
	blob, _ := r.prop(c, r.crtc, "MODE_ID")
	require.Contains(t, r.dev.Blobs, uint32(blob))
	assert.Equal(t, uint16(1024), r.dev.Blobs[uint32(blob)].Hdisplay)
	crtc, _ := r.prop(c, r.conn, "CRTC_ID")
	assert.Equal(t, uint64(r.crtc), crtc)

	fb, _ := r.prop(c, r.primary, "FB_ID")
	assert.Equal(t, uint64(out.dumb[out.currentImage].ID), fb)
	pcrtc, _ := r.prop(c, r.primary, "CRTC_ID")
	assert.Equal(t, uint64(r.crtc), pcrtc)
	w, _ := r.prop(c, r.primary, "SRC_W")
	assert.Equal(t, uint64(1024<<16), w)
	cw, _ := r.prop(c, r.primary, "CRTC_W")
	assert.Equal(t, uint64(1024), cw)

	// Planes nobody uses are cleared by the resync
	for _, id := range []uint32{r.cursor, r.sprite} {
		fb, ok := r.prop(c, id, "FB_ID")
		assert.True(t, ok)
		assert.Zero(t, fb)
	}

	assert.True(t, out.Busy())
	assert.Empty(t, r.comp.frames)
	r.dispatch()
	require.Len(t, r.comp.frames, 1)
	assert.Equal(t, flipFlags, r.comp.frames[0].flags)
	assert.Equal(t, int64(1), r.comp.frames[0].ts.Sec)
	assert.False(t, out.Busy())

	// No modeset once the device is in sync
	_, err = r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	assert.Zero(t, r.lastCommit().Flags&device.AtomicAllowModeset)
	_, ok := r.prop(r.lastCommit(), r.crtc, "MODE_ID")
	assert.True(t, ok, "mode is part of every commit")
}

func TestAtomicResyncTurnsOffStrays(t *testing.T) {
	var stray, idle, unplugged uint32
	r := newRig(t, Options{}, withDevice(func(r *rig) {
		stray = r.dev.AddCrtc()
		r.dev.SetValue(stray, "ACTIVE", 1)
		idle = r.dev.AddCrtc()
		unplugged = r.dev.AddConnector(false, connectorHDMIA)
	}))
	out := r.enabled()
	require.Len(t, r.b.Outputs(), 1)

	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	c := r.lastCommit()

	active, ok := r.prop(c, stray, "ACTIVE")
	assert.True(t, ok)
	assert.Zero(t, active)
	mode, ok := r.prop(c, stray, "MODE_ID")
	assert.True(t, ok)
	assert.Zero(t, mode)

	_, ok = r.prop(c, idle, "ACTIVE")
	assert.False(t, ok, "crtc already off stays out of the commit")

	crtc, ok := r.prop(c, unplugged, "CRTC_ID")
	assert.True(t, ok)
	assert.Zero(t, crtc)
	_, ok = r.prop(c, unplugged, "DPMS")
	assert.False(t, ok)

	// The completion for the stray crtc belongs to nobody
	r.dispatch()
	assert.Len(t, r.comp.frames, 1)
	for _, e := range r.hook.AllEntries() {
		assert.NotEqual(t, logrus.WarnLevel, e.Level, e.Message)
	}
}

func TestAtomicCommitFailure(t *testing.T) {
	r := newRig(t, Options{})
	out := r.enabled()
	r.frame(out)
	live := out.scanoutPlane.LiveFB()

	r.dev.FailOnce("Atomic")
	_, err := r.repaint(out, nil, fullDamage(out))
	var cerr *CommitError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, []*Output{out}, cerr.Outputs)
	assert.ErrorIs(t, err, kmstest.ErrInjected)

	require.Len(t, r.comp.frames, 2)
	assert.Equal(t, scene.PresentInvalid, r.comp.frames[1].flags)
	assert.Equal(t, r.clock, r.comp.frames[1].ts)

	// The old state is still what the hardware shows
	assert.Nil(t, out.stateLast)
	assert.False(t, out.Busy())
	assert.Same(t, live, out.scanoutPlane.LiveFB())
	// One for the render target array, one for the live plane state
	assert.Equal(t, 2, live.Refs())

	r.frame(out)
	assert.Len(t, r.comp.frames, 3)
	assert.Equal(t, flipFlags, r.comp.frames[2].flags)
}

func TestAtomicResyncMissingPlaneProperty(t *testing.T) {
	r := newRig(t, Options{})
	out := r.enabled()
	r.plane(r.sprite).props[props.PlaneFbID].ID = 0

	_, err := r.repaint(out, nil, fullDamage(out))
	var cerr *CommitError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, device.ErrNoProperty)
	assert.ErrorContains(t, err, "plane")
	assert.Empty(t, r.dev.Commits, "a resync that can't reach every plane isn't sent")
	require.Len(t, r.comp.frames, 1)
	assert.Equal(t, scene.PresentInvalid, r.comp.frames[0].flags)
}

func TestLegacyFrame(t *testing.T) {
	r := newRig(t, Options{DisableAtomic: true})
	require.False(t, r.b.Atomic())
	out := r.enabled()

	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	fb := out.scanoutPlane.LiveFB().ID
	assert.Equal(t, []kmstest.Call{{Op: "SetCrtc", Obj: r.crtc, FB: fb}}, r.opsFor("SetCrtc"))
	assert.Equal(t, []kmstest.Call{{Op: "PageFlip", Obj: r.crtc, FB: fb}}, r.opsFor("PageFlip"))
	assert.Equal(t, []uint32{r.conn}, r.dev.CrtcConnectors[r.crtc])
	assert.True(t, out.pageFlipPending)

	r.dispatch()
	require.Len(t, r.comp.frames, 1)
	assert.Equal(t, flipFlags, r.comp.frames[0].flags)

	// Same stride, no modeset needed
	r.dev.ResetLog()
	r.frame(out)
	assert.Empty(t, r.opsFor("SetCrtc"))
	assert.Len(t, r.opsFor("PageFlip"), 1)
}

func TestLegacyOverlayWaitsForVBlank(t *testing.T) {
	r := newRig(t, Options{DisableAtomic: true})
	out := r.enabled()
	r.frame(out)
	r.dev.ResetLog()

	v := dmabufView(out, 100, 100, 100, 100, format.XRGB8888, true)
	_, err := r.repaint(out, []*scene.View{v}, fullDamage(out))
	require.NoError(t, err)
	require.Equal(t, scene.PlaneOverlay, v.Plane)

	planes := r.opsFor("SetPlane")
	require.Len(t, planes, 1)
	assert.Equal(t, r.sprite, planes[0].Obj)
	assert.NotZero(t, planes[0].FB)
	assert.Len(t, r.opsFor("WaitVBlank"), 1)
	assert.Equal(t, 1, out.vblankPending)

	r.dispatch()
	require.Len(t, r.comp.frames, 2)
	assert.Equal(t, scene.PresentHWCompletion|scene.PresentHWClock, r.comp.frames[1].flags)
	assert.Zero(t, out.vblankPending)
	assert.False(t, out.pageFlipPending)
}

func TestLegacyVBlankRequestFailure(t *testing.T) {
	r := newRig(t, Options{DisableAtomic: true})
	out := r.enabled()
	r.frame(out)
	r.dev.ResetLog()
	r.dev.FailOnce("WaitVBlank")

	v := dmabufView(out, 100, 100, 100, 100, format.XRGB8888, true)
	_, err := r.repaint(out, []*scene.View{v}, fullDamage(out))
	require.NoError(t, err)
	require.Equal(t, scene.PlaneOverlay, v.Plane)
	assert.Zero(t, out.vblankPending, "no event is coming for the overlay")
	assert.True(t, r.plane(r.sprite).liveState.complete)

	// The page flip alone retires the frame
	r.dispatch()
	require.Len(t, r.comp.frames, 2)
	assert.False(t, out.Busy())
	assert.Empty(t, r.exits)
}

func TestLegacySpritesHidden(t *testing.T) {
	r := newRig(t, Options{DisableAtomic: true, SpritesHidden: true})
	out := r.enabled()
	r.frame(out)
	r.dev.ResetLog()

	v := dmabufView(out, 100, 100, 100, 100, format.XRGB8888, true)
	_, err := r.repaint(out, []*scene.View{v}, fullDamage(out))
	require.NoError(t, err)
	require.Equal(t, scene.PlaneOverlay, v.Plane)
	planes := r.opsFor("SetPlane")
	require.Len(t, planes, 1)
	assert.Zero(t, planes[0].FB)
}

func TestLegacyPageFlipFailure(t *testing.T) {
	r := newRig(t, Options{DisableAtomic: true})
	out := r.enabled()
	r.frame(out)

	r.dev.FailOnce("PageFlip")
	_, err := r.repaint(out, nil, fullDamage(out))
	var cerr *CommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []*Output{out}, cerr.Outputs)
	require.Len(t, r.comp.frames, 2)
	assert.Equal(t, scene.PresentInvalid, r.comp.frames[1].flags)
	assert.Nil(t, out.stateLast)
	assert.False(t, out.pageFlipPending)
}

func TestLegacyCursor(t *testing.T) {
	r := newRig(t, Options{DisableAtomic: true})
	out := r.enabled()
	r.frame(out)
	r.dev.ResetLog()

	v := shmView(out, 5, 5, 16, 16)
	_, err := r.repaint(out, []*scene.View{v}, fullDamage(out))
	require.NoError(t, err)
	require.Equal(t, scene.PlaneCursor, v.Plane)
	set := r.opsFor("SetCursor")
	require.Len(t, set, 1)
	assert.Equal(t, out.cursorFB[out.currentCursor].Handle, set[0].FB)
	assert.Len(t, r.opsFor("MoveCursor"), 1)
	r.dispatch()

	// Unchanged buffer only moves
	r.dev.ResetLog()
	v.Surface.Damage.Clear()
	v.X = 50
	_, err = r.repaint(out, []*scene.View{v}, fullDamage(out))
	require.NoError(t, err)
	assert.Empty(t, r.opsFor("SetCursor"))
	assert.Len(t, r.opsFor("MoveCursor"), 1)
	r.dispatch()

	// A failing cursor call gives up on hardware cursors
	r.dev.ResetLog()
	r.dev.FailOnce("MoveCursor")
	v.X = 60
	_, err = r.repaint(out, []*scene.View{v}, fullDamage(out))
	require.NoError(t, err)
	assert.True(t, r.b.cursorsBroken)
	r.dispatch()

	_, err = r.repaint(out, []*scene.View{v}, fullDamage(out))
	require.NoError(t, err)
	assert.Equal(t, scene.PlanePrimary, v.Plane)
}

func TestLegacyDPMSOff(t *testing.T) {
	r := newRig(t, Options{DisableAtomic: true})
	out := r.enabled()
	r.frame(out)
	views := []*scene.View{
		shmView(out, 5, 5, 16, 16),
		dmabufView(out, 100, 100, 100, 100, format.XRGB8888, true),
	}
	_, err := r.repaint(out, views, fullDamage(out))
	require.NoError(t, err)
	r.dispatch()
	require.Len(t, r.comp.frames, 2)
	r.dev.ResetLog()

	require.NoError(t, out.SetDPMS(DPMSOff))
	assert.Equal(t, []kmstest.Call{{Op: "SetPlane", Obj: r.sprite}}, r.opsFor("SetPlane"))
	assert.Equal(t, []kmstest.Call{{Op: "SetCursor", Obj: r.crtc}}, r.opsFor("SetCursor"))
	assert.Equal(t, []kmstest.Call{{Op: "SetCrtc", Obj: r.crtc}}, r.opsFor("SetCrtc"))
	assert.Empty(t, r.dev.CrtcConnectors[r.crtc], "a disabling SetCrtc carries no connectors")
	assert.Zero(t, r.dev.Crtcs[r.crtc].FbID)
	assert.False(t, r.dev.Crtcs[r.crtc].ModeValid)
	assert.Empty(t, r.opsFor("PageFlip"))
	assert.Equal(t, DPMSOff, out.DPMS())
	assert.Len(t, r.comp.frames, 2, "turning off outside a repaint reports no frame")
	assert.Nil(t, out.stateLast)
	for _, ps := range out.stateCur.PlaneStates() {
		assert.Nil(t, ps.FB())
		assert.True(t, ps.Complete())
	}
	assert.Zero(t, r.importer.balance())
}

func TestDisableWhileCommitPending(t *testing.T) {
	r := newRig(t, Options{})
	out := r.enabled()
	r.frame(out)

	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	commits := len(r.dev.Commits)

	assert.ErrorIs(t, out.Disable(), ErrOutputBusy)
	assert.True(t, out.Enabled())
	assert.Len(t, r.dev.Commits, commits)

	// Repaints are refused until the output is gone
	assert.ErrorIs(t, r.b.Repaint(out, fullDamage(out), r.b.RepaintBegin()), ErrOutputBusy)
	r.b.RepaintCancel(nil)

	r.dispatch()
	assert.False(t, out.Enabled())
	assert.False(t, out.disablePending)
	assert.Len(t, r.comp.frames, 1, "the disabling completion reports no frame")
	assert.Contains(t, r.b.unusedCrtcs, r.crtc)
	assert.True(t, r.b.stateInvalid)
}

func TestDestroyWhileCommitPending(t *testing.T) {
	r := newRig(t, Options{})
	out := r.enabled()

	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	out.Destroy()
	assert.Contains(t, r.b.Outputs(), out)
	assert.Empty(t, r.comp.destroyed)

	r.dispatch()
	assert.NotContains(t, r.b.Outputs(), out)
	assert.Equal(t, []*Output{out}, r.comp.destroyed)
	assert.Empty(t, r.comp.frames)
}

func TestSyncCommitMustTurnOff(t *testing.T) {
	r := newRig(t, Options{})
	out := r.enabled()
	pending := r.b.newPendingState()
	s := out.stateCur.duplicate(pending, DupClear)
	s.DPMS = DPMSOn
	assert.Panics(t, func() { _ = r.b.applySync(pending) })
}
