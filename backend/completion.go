// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/scene"
)

// HandleEvents dispatches events read from the device
func (b *Backend) HandleEvents(events []device.Event) {
	for _, ev := range events {
		switch {
		case ev.Type == device.EventFlipComplete && b.atomic:
			b.atomicFlipHandler(ev)
		case ev.Type == device.EventFlipComplete:
			b.pageFlipHandler(ev)
		case ev.Type == device.EventVBlank:
			b.vblankHandler(ev)
		default:
			b.log.WithField("event", ev.Type).Debugln("Ignoring unexpected drm event")
		}
	}
}

// DispatchEvents reads whatever the kernel queued and handles it
func (b *Backend) DispatchEvents() error {
	events, err := b.dev.ReadEvents()
	b.HandleEvents(events)
	return err
}

func eventTime(ev device.Event) unix.Timespec {
	return unix.Timespec{Sec: int64(ev.Sec), Nsec: int64(ev.Usec) * 1000}
}

// Extends the 32 bit hardware counter, it wrapped if it went backwards
func (out *Output) updateMSC(seq uint32) {
	hi := out.msc >> 32
	if seq < uint32(out.msc) {
		hi++
	}
	out.msc = hi<<32 + uint64(seq)
}

func (b *Backend) pageFlipHandler(ev device.Event) {
	out := b.outputBySerial(uint32(ev.UserData))
	if out == nil || out.virtual {
		b.log.WithField("data", ev.UserData).Warnln("Page flip event for unknown output")
		return
	}
	out.updateMSC(ev.Sequence)
	if !out.pageFlipPending {
		b.log.WithField("output", out.Name).Warnln("Page flip event without a pending page flip")
		return
	}
	out.pageFlipPending = false
	if out.vblankPending > 0 {
		return
	}
	b.updateComplete(out, scene.PresentVSync|scene.PresentHWCompletion|scene.PresentHWClock, eventTime(ev))
}

func (b *Backend) vblankHandler(ev device.Event) {
	out := b.outputBySerial(uint32(ev.UserData))
	if out == nil || out.virtual {
		b.log.WithField("data", ev.UserData).Warnln("Vblank event for unknown output")
		return
	}
	out.updateMSC(ev.Sequence)
	if out.vblankPending <= 0 {
		b.log.WithField("output", out.Name).Warnln("Vblank event without a pending plane update")
		return
	}
	out.vblankPending--
	if out.pageFlipPending || out.vblankPending > 0 {
		return
	}
	b.updateComplete(out, scene.PresentHWCompletion|scene.PresentHWClock, eventTime(ev))
}

func (b *Backend) atomicFlipHandler(ev device.Event) {
	out := b.outputByCrtc(ev.CrtcID)
	// The first modeset turns off CRTCs no output drives, their events end up here
	if out == nil || !out.enabled {
		return
	}
	out.updateMSC(ev.Sequence)
	if !out.atomicCompletePending {
		b.log.WithField("output", out.Name).Warnln("Atomic completion without a pending commit")
		return
	}
	out.atomicCompletePending = false
	b.updateComplete(out, scene.PresentVSync|scene.PresentHWCompletion|scene.PresentHWClock, eventTime(ev))
}

// updateComplete retires the previous state of out once the hardware took the
// current one and runs whatever was deferred until then
func (b *Backend) updateComplete(out *Output, flags scene.PresentFlags, ts unix.Timespec) {
	out.stopWatchdog()

	for _, ps := range out.stateCur.planes {
		ps.complete = true
	}
	out.stateLast.free()
	out.stateLast = nil

	switch {
	case out.destroyPending:
		out.destroyPending = false
		out.disablePending = false
		out.dpmsOffPending = false
		b.destroyOutput(out)
		return
	case out.disablePending:
		out.disablePending = false
		out.dpmsOffPending = false
		if err := out.Disable(); err != nil {
			b.log.WithError(err).WithField("output", out.Name).Warnln("Deferred disable failed")
		}
		return
	case out.dpmsOffPending:
		out.dpmsOffPending = false
		pending := b.newPendingState()
		out.disableState(pending)
		if err := b.applySync(pending); err != nil {
			b.log.WithError(err).WithField("output", out.Name).Warnln("Couldn't turn output off")
		}
		// The legacy path completes synchronously and already reported the frame
		if !out.awaitingCompletion {
			return
		}
	}

	// Turning off outside of a repaint owes the compositor no frame
	if out.stateCur.DPMS == DPMSOff && !out.awaitingCompletion {
		return
	}
	out.finishFrame(ts, flags)
}
