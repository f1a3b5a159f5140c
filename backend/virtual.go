// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/scene"
)

// VirtualOutputHandler consumes the frames of a virtual output.
// Frame is called on the event loop once a new frame is the current state,
// the handler calls FinishVirtualFrame when it is done with it.
type VirtualOutputHandler interface {
	Frame(out *Output)
}

// CreateVirtualOutput builds an output that renders into memory only. Its
// frames go to handler instead of a CRTC.
// Virtual outputs can't take part in atomic commits, so the backend switches
// to legacy commits for good.
func (b *Backend) CreateVirtualOutput(name string, handler VirtualOutputHandler) *Output {
	b.nextSerial++
	out := &Output{
		Name:           name,
		b:              b,
		serial:         b.nextSerial,
		index:          -1,
		virtual:        true,
		scale:          1,
		format:         b.format,
		virtualHandler: handler,
	}
	out.stateCur = newOutputState(out, nil)
	// Never available to real outputs, nothing can route to it
	out.scanoutPlane = &Plane{
		Type:    PlanePrimary,
		Formats: []uint32{b.format.Format},
		b:       b,
	}
	out.scanoutPlane.initLive()
	b.planes = append(b.planes, out.scanoutPlane)

	if b.atomic {
		b.log.WithField("output", name).Infoln("Virtual output created, falling back to legacy commits")
		b.atomic = false
	}
	b.outputs = append(b.outputs, out)
	if l, ok := b.compositor.(OutputListener); ok {
		l.OutputCreated(out)
	}
	return out
}

// SetVirtualMode gives a virtual output its only mode. refresh is in Hz, 0 means 60.
func (out *Output) SetVirtualMode(width, height, refresh int32) error {
	if !out.virtual {
		return fmt.Errorf("%w: %s is a real output", ErrModeNotFound, out.Name)
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: invalid size %dx%d", ErrModeNotFound, width, height)
	}
	if refresh == 0 {
		refresh = 60
	}
	m := &Mode{
		Width:   width,
		Height:  height,
		Refresh: refresh * 1000,
		Flags:   ModeCurrent,
	}
	out.modes = append(out.modes[:0], m)
	out.mode = m
	out.nativeMode = m
	return nil
}

func (b *Backend) enableVirtual(out *Output) error {
	if out.enabled {
		return nil
	}
	if out.mode == nil {
		return fmt.Errorf("%w: virtual output %s has no mode set", ErrModeNotFound, out.Name)
	}
	if err := b.allocIndex(out); err != nil {
		return err
	}
	out.scanoutPlane.Formats = []uint32{out.format.Format}
	if err := out.initRender(); err != nil {
		b.releaseIndex(out)
		return fmt.Errorf("failed to init virtual output render state: %w", err)
	}
	out.enabled = true
	b.log.WithField("output", out.Name).WithField("mode", out.mode.String()).Infoln("Enabled virtual output")
	return nil
}

func (b *Backend) disableVirtual(out *Output) error {
	if out.pageFlipPending {
		out.disablePending = true
		return ErrOutputBusy
	}
	if out.enabled {
		b.deinitVirtual(out)
	}
	out.disablePending = false
	return nil
}

func (b *Backend) deinitVirtual(out *Output) {
	out.finiRender()
	b.releaseIndex(out)
	out.enabled = false
}

func (b *Backend) destroyVirtual(out *Output) {
	if out.pageFlipPending {
		out.destroyPending = true
		return
	}
	if out.enabled {
		b.deinitVirtual(out)
	}
	out.stateLast.free()
	out.stateLast = nil
	out.stateCur.free()
	out.stateCur = nil
	out.scanoutPlane.destroy()
	out.scanoutPlane = nil
	b.removeOutput(out)
}

func (b *Backend) repaintVirtual(out *Output, state *OutputState, damage geom.Region) error {
	out.repaintStart = b.now()
	state.DPMS = DPMSOn
	if err := b.render(state, damage); err != nil {
		state.free()
		return err
	}
	ps := state.existingPlaneState(out.scanoutPlane)
	if ps == nil || ps.fb == nil {
		state.free()
		return ErrNoScanout
	}
	out.virtualFrameChanged = ps.fb != out.scanoutPlane.LiveFB()
	return nil
}

// Called once the state of a virtual output became current
func (b *Backend) virtualAssigned(out *Output, mode ApplyMode) {
	if mode != ApplyAsync {
		return
	}
	// Nothing new to show, nobody else would ever finish the frame
	if !out.virtualFrameChanged || out.virtualHandler == nil {
		b.post(func() { out.FinishVirtualFrame() })
		return
	}
	out.virtualHandler.Frame(out)
}

// FinishVirtualFrame tells the backend the owner of a virtual output is done
// with the current frame
func (out *Output) FinishVirtualFrame() {
	b := out.b
	if !out.virtual || !out.pageFlipPending {
		return
	}
	out.pageFlipPending = false

	// Nothing signals the frame like a vblank would, so present it as if
	// the repaint had taken exactly the repaint window
	ts := b.now()
	if w := b.opts.RepaintWindow; w > 0 {
		start := time.Unix(out.repaintStart.Unix()).Add(w)
		ts = unix.NsecToTimespec(start.UnixNano())
	}
	b.updateVirtualComplete(out, scene.PresentHWCompletion, ts)
}

func (b *Backend) updateVirtualComplete(out *Output, flags scene.PresentFlags, ts unix.Timespec) {
	for _, ps := range out.stateCur.planes {
		ps.complete = true
	}
	out.stateLast.free()
	out.stateLast = nil

	switch {
	case out.destroyPending:
		out.destroyPending = false
		out.disablePending = false
		b.destroyVirtual(out)
		return
	case out.disablePending:
		out.disablePending = false
		if err := b.disableVirtual(out); err != nil {
			b.log.WithError(err).WithField("output", out.Name).Warnln("Deferred disable failed")
		}
		return
	}
	out.finishFrame(ts, flags)
}

// ScanoutHandle exports the buffer the output currently shows as a dmabuf fd.
// The caller owns the fd.
func (b *Backend) ScanoutHandle(out *Output) (fd int, stride uint32, err error) {
	fb := out.scanoutPlane.LiveFB()
	if fb == nil {
		return -1, 0, ErrNoScanout
	}
	fd, err = b.dev.PrimeHandleToFD(fb.Handle)
	if err != nil {
		return -1, 0, fmt.Errorf("failed to export scanout buffer: %w", err)
	}
	return fd, fb.Stride, nil
}
