// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/scene"
)

var errNoRepaint = errors.New("no repaint cycle in progress")

// RepaintBegin starts a repaint cycle. The returned state collects every
// output state built until RepaintFlush or RepaintCancel.
func (b *Backend) RepaintBegin() *PendingState {
	b.repaintData = b.newPendingState()
	return b.repaintData
}

// RepaintFlush commits the cycle. Outputs named in a returned CommitError got
// their frame finished as invalid already.
func (b *Backend) RepaintFlush(pending *PendingState) error {
	if pending == nil {
		pending = b.repaintData
	}
	b.repaintData = nil
	if pending == nil {
		return errNoRepaint
	}
	// Every output in the cycle owes a frame, also the ones turned off
	for _, s := range pending.outputs {
		s.output.awaitingCompletion = true
	}
	err := b.applyPending(pending, ApplyAsync)

	var cerr *CommitError
	if errors.As(err, &cerr) {
		now := b.now()
		for _, out := range cerr.Outputs {
			out.finishFrame(now, scene.PresentInvalid)
		}
	}
	return err
}

// RepaintCancel drops everything the cycle built
func (b *Backend) RepaintCancel(pending *PendingState) {
	if pending == nil {
		pending = b.repaintData
	}
	pending.free()
	b.repaintData = nil
}

// Repaint turns the output on in pending and renders whatever AssignPlanes
// left to the renderer. damage is in global coordinates.
func (b *Backend) Repaint(out *Output, damage geom.Region, pending *PendingState) error {
	if pending == nil {
		pending = b.repaintData
	}
	if pending == nil {
		return errNoRepaint
	}
	if out.disablePending || out.destroyPending {
		return fmt.Errorf("%w: output %s is going away", ErrOutputBusy, out.Name)
	}
	if out.stateLast != nil {
		return ErrOutputBusy
	}

	// Without AssignPlanes the cycle has no state for the output yet
	state := pending.OutputState(out)
	if state == nil {
		state = out.stateCur.duplicate(pending, DupClear)
	}
	if out.virtual {
		return b.repaintVirtual(out, state, damage)
	}
	state.DPMS = DPMSOn

	if err := b.render(state, damage); err != nil {
		state.free()
		return err
	}
	if ps := state.existingPlaneState(out.scanoutPlane); ps == nil || ps.fb == nil {
		state.free()
		return ErrNoScanout
	}
	return nil
}

// render puts the composited frame on the scanout plane unless a client
// buffer took it already
func (b *Backend) render(state *OutputState, damage geom.Region) error {
	out := state.output
	scanout := out.scanoutPlane
	ps := state.planeState(scanout)
	if ps.fb != nil {
		return nil
	}

	var (
		fb  *Framebuffer
		err error
	)
	live := scanout.LiveFB()
	switch {
	case damage.Empty() && live != nil && (live.Kind == FBDumb || live.Kind == FBGBMSurface) &&
		int32(live.Width) == out.mode.Width && int32(live.Height) == out.mode.Height:
		fb = live.Ref()
	case out.softwareRendered():
		fb, err = b.renderSoftware(out, damage)
	default:
		fb, err = b.renderSurface(out, damage)
	}
	if err != nil {
		ps.putBack()
		return err
	}

	ps.fb = fb
	ps.output = out
	ps.Src = geom.FixedRect{W: geom.FixedFromInt(uint32(out.mode.Width)), H: geom.FixedFromInt(uint32(out.mode.Height))}
	ps.Dest = geom.NewRect(0, 0, out.mode.Width, out.mode.Height)
	return nil
}

// Double buffered, so the damage of the last frame has to be painted again too
func (b *Backend) renderSoftware(out *Output, damage geom.Region) (*Framebuffer, error) {
	var total geom.Region
	total.Union(damage)
	total.Union(out.previousDamage)
	out.previousDamage = damage.Copy()
	out.currentImage ^= 1

	fb := out.dumb[out.currentImage]
	if fb == nil {
		return nil, fmt.Errorf("output %s has no render buffers", out.Name)
	}
	if err := b.renderer.RepaintOutput(out, total); err != nil {
		return nil, fmt.Errorf("software repaint failed: %w", err)
	}
	return fb.Ref(), nil
}

func (b *Backend) renderSurface(out *Output, damage geom.Region) (*Framebuffer, error) {
	r := b.renderer.(SurfaceRenderer)
	if err := r.RepaintOutput(out, damage); err != nil {
		return nil, fmt.Errorf("repaint failed: %w", err)
	}
	bo, err := r.LockFrontBuffer(out)
	if err != nil {
		return nil, fmt.Errorf("failed to lock front buffer: %w", err)
	}
	fb, err := b.GetFromBO(bo, out.format.Format, FBGBMSurface)
	if err != nil {
		bo.Release()
		return nil, fmt.Errorf("failed to get framebuffer for front buffer: %w", err)
	}
	fb.owner = out
	return fb, nil
}

func refreshNsec(mhz int32) int64 {
	if mhz <= 0 {
		return 0
	}
	return 1000000000000 / int64(mhz)
}

// StartRepaintLoop gets the repaint cycle of an idle output going. The
// compositor always hears back through FinishFrame, either right away with an
// invalid frame or once a probe page flip completes.
func (b *Backend) StartRepaintLoop(out *Output) {
	if out.virtual {
		out.finishFrame(b.now(), scene.PresentInvalid)
		return
	}
	if out.disablePending || out.destroyPending {
		return
	}
	// Page flipping needs a mode set, and an invalid state can't be trusted
	if out.scanoutPlane.LiveFB() == nil || b.stateInvalid {
		out.finishFrame(b.now(), scene.PresentInvalid)
		return
	}

	// Instant query, sequence 0 and no event
	reply, err := b.dev.WaitVBlank(device.VBlankPipe(out.pipe), device.VBlankRelative, 0, 0)
	if err == nil && (reply.Sec > 0 || reply.Usec > 0) {
		ts := unix.Timespec{Sec: reply.Sec, Nsec: reply.Usec * 1000}
		now := b.now()
		// Stale timestamps happen, only trust one from the last refresh period
		if now.Nano()-ts.Nano() < refreshNsec(out.mode.Refresh) {
			out.updateMSC(reply.Sequence)
			out.finishFrame(ts, scene.PresentInvalid)
			return
		}
	}

	if out.pageFlipPending || out.stateLast != nil {
		panic("repaint loop started on output " + out.Name + " with a commit in flight")
	}
	pending := b.newPendingState()
	out.stateCur.duplicate(pending, DupPreserve)
	if err := b.applyPending(pending, ApplyAsync); err != nil {
		b.log.WithError(err).WithField("output", out.Name).Warnln("Applying repaint-start state failed")
		out.finishFrame(b.now(), scene.PresentInvalid)
	}
}
