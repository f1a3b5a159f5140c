package backend

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/scene"
)

func TestMSCWraps(t *testing.T) {
	out := &Output{}
	out.updateMSC(10)
	assert.Equal(t, uint64(10), out.MSC())
	out.updateMSC(0xfffffff0)
	assert.Equal(t, uint64(0xfffffff0), out.MSC())
	out.updateMSC(5)
	assert.Equal(t, uint64(1)<<32+5, out.MSC())
	out.updateMSC(5)
	assert.Equal(t, uint64(1)<<32+5, out.MSC(), "same sequence is no wrap")
}

func TestUnexpectedEvents(t *testing.T) {
	r := newRig(t, Options{DisableAtomic: true})
	out := r.enabled()
	r.frame(out)
	r.hook.Reset()

	r.b.HandleEvents([]device.Event{{Type: device.EventType(0x42)}})
	require.NotNil(t, r.hook.LastEntry())
	assert.Equal(t, logrus.DebugLevel, r.hook.LastEntry().Level)
	assert.Equal(t, "Ignoring unexpected drm event", r.hook.LastEntry().Message)

	r.b.HandleEvents([]device.Event{{Type: device.EventFlipComplete, UserData: 999}})
	assert.Equal(t, logrus.WarnLevel, r.hook.LastEntry().Level)
	assert.Equal(t, "Page flip event for unknown output", r.hook.LastEntry().Message)

	// Known output, nothing pending
	r.b.HandleEvents([]device.Event{{Type: device.EventFlipComplete, UserData: uint64(out.serial)}})
	assert.Equal(t, "Page flip event without a pending page flip", r.hook.LastEntry().Message)
	r.b.HandleEvents([]device.Event{{Type: device.EventVBlank, UserData: uint64(out.serial)}})
	assert.Equal(t, "Vblank event without a pending plane update", r.hook.LastEntry().Message)

	assert.Len(t, r.comp.frames, 1)
}

func TestAtomicEventWithoutCommit(t *testing.T) {
	r := newRig(t, Options{})
	out := r.enabled()
	r.frame(out)
	r.hook.Reset()

	r.b.HandleEvents([]device.Event{{Type: device.EventFlipComplete, CrtcID: r.crtc, Sequence: 7}})
	assert.Equal(t, "Atomic completion without a pending commit", r.hook.LastEntry().Message)
	assert.Equal(t, uint64(7), out.MSC())
	assert.Len(t, r.comp.frames, 1)
}

func TestEventTimestamp(t *testing.T) {
	r := newRig(t, Options{DisableAtomic: true})
	out := r.enabled()
	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	r.dev.TakeEvents()

	r.b.HandleEvents([]device.Event{{
		Type:     device.EventFlipComplete,
		UserData: uint64(out.serial),
		Sec:      12,
		Usec:     345,
		Sequence: 99,
	}})
	require.Len(t, r.comp.frames, 1)
	assert.Equal(t, unix.Timespec{Sec: 12, Nsec: 345000}, r.comp.frames[0].ts)
	assert.Equal(t, uint64(99), out.MSC())
}

func TestWatchdogFires(t *testing.T) {
	r := newRig(t, Options{PageflipTimeout: time.Second})
	out := r.enabled()

	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	require.Len(t, r.timers, 1)

	r.timers[0].fn()
	assert.Empty(t, r.exits, "the check runs on the loop")
	r.drain()
	assert.Equal(t, []int{ExitPageflipTimeout}, r.exits)
	assert.Equal(t, logrus.ErrorLevel, r.hook.LastEntry().Level)
}

func TestWatchdogStoppedByCompletion(t *testing.T) {
	r := newRig(t, Options{PageflipTimeout: time.Second})
	out := r.enabled()

	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	require.Len(t, r.timers, 1)
	r.dispatch()
	assert.True(t, r.timers[0].stopped)

	// The timer raced the completion, stale now
	r.timers[0].fn()
	r.drain()
	assert.Empty(t, r.exits)

	// A rearmed watchdog makes the old timer stale as well
	_, err = r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	require.Len(t, r.timers, 2)
	r.timers[0].fn()
	r.drain()
	assert.Empty(t, r.exits)
}

func TestWatchdogDisabled(t *testing.T) {
	r := newRig(t, Options{})
	out := r.enabled()
	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	assert.Empty(t, r.timers)
}

func TestDPMSOffAfterCompletion(t *testing.T) {
	r := newRig(t, Options{})
	out := r.enabled()

	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)
	require.NoError(t, out.SetDPMS(DPMSOff))
	assert.True(t, out.dpmsOffPending)
	assert.Equal(t, DPMSOn, out.DPMS())
	commits := len(r.dev.Commits)

	r.dispatch()
	assert.False(t, out.dpmsOffPending)
	assert.Equal(t, DPMSOff, out.DPMS())
	require.Len(t, r.dev.Commits, commits+1)
	c := r.lastCommit()
	assert.Zero(t, c.Flags&device.PageFlipEvent, "turning off is synchronous")
	active, _ := r.prop(c, r.crtc, "ACTIVE")
	assert.Zero(t, active)

	// The frame that was in flight still completes
	require.Len(t, r.comp.frames, 1)
	assert.Equal(t, flipFlags, r.comp.frames[0].flags)
}

func TestLegacyFrameAndOverlayOrder(t *testing.T) {
	r := newRig(t, Options{DisableAtomic: true})
	out := r.enabled()
	r.frame(out)

	// Vblank before the flip completes, the flip completes the frame
	out.pageFlipPending = true
	out.vblankPending = 1
	out.stateLast = out.stateCur.duplicate(nil, DupPreserve)
	r.b.HandleEvents([]device.Event{{Type: device.EventVBlank, UserData: uint64(out.serial)}})
	assert.Len(t, r.comp.frames, 1)
	r.b.HandleEvents([]device.Event{{Type: device.EventFlipComplete, UserData: uint64(out.serial)}})
	require.Len(t, r.comp.frames, 2)
	assert.Equal(t, flipFlags, r.comp.frames[1].flags)
	assert.Nil(t, out.stateLast)
}

func TestStartRepaintLoop(t *testing.T) {
	t.Run("never shown", func(t *testing.T) {
		r := newRig(t, Options{})
		out := r.enabled()
		r.b.StartRepaintLoop(out)
		require.Len(t, r.comp.frames, 1)
		assert.Equal(t, scene.PresentInvalid, r.comp.frames[0].flags)
		assert.Empty(t, r.dev.Commits)
	})

	t.Run("recent vblank", func(t *testing.T) {
		r := newRig(t, Options{})
		out := r.enabled()
		r.frame(out)
		commits := len(r.dev.Commits)

		r.dev.VBlankReply = device.VBlankReply{Sequence: 42, Sec: 100, Usec: 0}
		r.clock = unix.Timespec{Sec: 100, Nsec: 5000000}
		r.b.StartRepaintLoop(out)

		require.Len(t, r.comp.frames, 2)
		assert.Equal(t, unix.Timespec{Sec: 100}, r.comp.frames[1].ts)
		assert.Equal(t, scene.PresentInvalid, r.comp.frames[1].flags)
		assert.Equal(t, uint64(42), out.MSC())
		assert.Len(t, r.dev.Commits, commits)
	})

	t.Run("stale vblank", func(t *testing.T) {
		r := newRig(t, Options{})
		out := r.enabled()
		r.frame(out)
		commits := len(r.dev.Commits)
		live := out.scanoutPlane.LiveFB()

		r.dev.VBlankReply = device.VBlankReply{Sequence: 42, Sec: 90}
		r.b.StartRepaintLoop(out)
		assert.Len(t, r.comp.frames, 1)
		require.Len(t, r.dev.Commits, commits+1)
		fb, _ := r.prop(r.lastCommit(), r.primary, "FB_ID")
		assert.Equal(t, uint64(live.ID), fb, "probe repeats the current content")

		r.dispatch()
		require.Len(t, r.comp.frames, 2)
		assert.Equal(t, flipFlags, r.comp.frames[1].flags)
		assert.Same(t, live, out.scanoutPlane.LiveFB())
	})

	t.Run("probe fails", func(t *testing.T) {
		r := newRig(t, Options{})
		out := r.enabled()
		r.frame(out)
		r.dev.FailOnce("Atomic")
		r.b.StartRepaintLoop(out)
		require.Len(t, r.comp.frames, 2)
		assert.Equal(t, scene.PresentInvalid, r.comp.frames[1].flags)
	})

	t.Run("invalid state", func(t *testing.T) {
		r := newRig(t, Options{})
		out := r.enabled()
		r.frame(out)
		r.b.Invalidate()
		r.b.StartRepaintLoop(out)
		require.Len(t, r.comp.frames, 2)
		assert.Equal(t, scene.PresentInvalid, r.comp.frames[1].flags)
	})
}

func TestRefreshNsec(t *testing.T) {
	assert.Equal(t, int64(16666666), refreshNsec(60000))
	assert.Zero(t, refreshNsec(0))
}
