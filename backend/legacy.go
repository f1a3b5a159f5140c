// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"fmt"

	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/kms/props"
	"github.com/mstarongithub/way2gay-kms/scene"
)

// Output by output through the pre-atomic calls. A failing output doesn't
// stop the others.
func (b *Backend) applyLegacy(pending *PendingState, mode ApplyMode) error {
	defer pending.free()

	if b.stateInvalid {
		// Turning off the CRTC turns off its connectors too
		for _, crtc := range b.unusedCrtcs {
			if err := b.dev.SetCrtc(crtc, 0, 0, 0, nil, nil); err != nil {
				b.log.WithError(err).WithField("crtc", crtc).Warnln("Failed to disable unused crtc")
			}
		}
	}

	cerr := &CommitError{}
	for len(pending.outputs) > 0 {
		s := pending.outputs[0]
		out := s.output
		if out.virtual {
			s.assign(mode)
			b.virtualAssigned(out, mode)
			continue
		}
		if err := b.applyOutputLegacy(s); err != nil {
			b.log.WithError(err).WithField("output", out.Name).Errorln("Couldn't apply state for output")
			cerr.add(out, err)
		}
	}
	b.stateInvalid = false
	return cerr.orNil()
}

// applyOutputLegacy consumes s: it is either assigned or freed
func (b *Backend) applyOutputLegacy(s *OutputState) error {
	out := s.output
	scanout := out.scanoutPlane
	log := b.log.WithField("output", out.Name)

	if s.DPMS != DPMSOn {
		for _, ps := range s.planes {
			if ps.plane.Type != PlaneOverlay {
				continue
			}
			if err := b.dev.SetPlane(ps.plane.ID, 0, 0, geom.Rect{}, geom.FixedRect{}); err != nil {
				log.WithError(err).Warnln("SetPlane failed disabling")
			}
		}
		if out.cursorPlane != nil {
			if err := b.dev.SetCursor(out.crtcID, 0, 0, 0); err != nil {
				log.WithError(err).Warnln("SetCursor failed disabling")
			}
		}
		if err := b.dev.SetCrtc(out.crtcID, 0, 0, 0, nil, nil); err != nil {
			log.WithError(err).Warnln("SetCrtc failed disabling")
		}
		s.assign(ApplySync)
		b.updateComplete(out, scene.PresentHWCompletion, b.now())
		return nil
	}

	fail := func(err error) error {
		out.cursorView = nil
		s.free()
		return err
	}

	ss := s.existingPlaneState(scanout)
	if ss == nil || ss.fb == nil {
		return fail(ErrNoScanout)
	}
	// Neither SetCrtc nor PageFlip can scale or clip
	if live := scanout.LiveFB(); b.stateInvalid || live == nil || live.Stride != ss.fb.Stride {
		if err := b.dev.SetCrtc(out.crtcID, ss.fb.ID, 0, 0, []uint32{out.connectorID}, &out.mode.Info); err != nil {
			return fail(fmt.Errorf("set mode failed: %w", err))
		}
	}

	if out.pageFlipPending {
		panic("page flip queued on output " + out.Name + " with one still pending")
	}
	if err := b.dev.PageFlip(out.crtcID, ss.fb.ID, device.PageFlipEvent, uint64(out.serial)); err != nil {
		return fail(fmt.Errorf("queueing pageflip failed: %w", err))
	}
	out.armWatchdog()

	b.setCursor(s)

	for _, ps := range s.planes {
		p := ps.plane
		if p.Type != PlaneOverlay {
			continue
		}
		var fbID uint32
		if ps.fb != nil && !b.spritesHidden {
			fbID = ps.fb.ID
		}
		if err := b.dev.SetPlane(p.ID, out.crtcID, fbID, ps.Dest, ps.Src); err != nil {
			log.WithError(err).WithField("plane", p.ID).Warnln("SetPlane failed")
		}
		// Tells us when the plane shows the new content, or let go of the old one
		_, err := b.dev.WaitVBlank(device.VBlankPipe(out.pipe), device.VBlankRelative|device.VBlankEvent, 1, uint64(out.serial))
		if err != nil {
			log.WithError(err).Warnln("Vblank event request failed")
			ps.noEvent = true
		}
	}

	if info := &out.connProps[props.ConnectorDPMS]; info.ID != 0 && s.DPMS != out.stateCur.DPMS {
		if err := b.dev.SetProperty(out.connectorID, device.ObjectConnector, info.ID, uint64(s.DPMS)); err != nil {
			log.WithError(err).Warnln("Failed to set DPMS property")
		}
	}

	s.assign(ApplyAsync)
	return nil
}
