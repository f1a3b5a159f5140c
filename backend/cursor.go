// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/format"
	"github.com/mstarongithub/way2gay-kms/scene"
)

func (b *Backend) prepareCursor(state *OutputState, v *scene.View) bool {
	out := state.output
	plane := out.cursorPlane
	s := v.Surface
	buf := s.Buffer

	if plane == nil || b.cursorsBroken || out.cursorFB[0] == nil {
		return false
	}
	if !plane.liveState.complete {
		return false
	}
	if live := plane.liveState.output; live != nil && live != out {
		return false
	}
	if !out.onlyOn(v) {
		return false
	}
	if buf == nil || buf.Type != scene.BufferSHM || buf.Format != format.ARGB8888 {
		return false
	}
	if out.transform != geom.TransformNormal || v.Transformed {
		return false
	}
	if s.BufferScale != out.scale || v.Clipped {
		return false
	}
	if s.Width > int32(b.cursorW) || s.Height > int32(b.cursorH) {
		return false
	}

	ps := state.planeState(plane)
	if ps.fb != nil {
		return false
	}

	// Plane damage isn't known yet, a new view or new content means a new upload
	needsUpdate := false
	if v != out.cursorView || !s.Damage.Empty() {
		out.currentCursor = (out.currentCursor + 1) % len(out.cursorFB)
		needsUpdate = true
	}
	out.cursorView = v

	ps.fb = out.cursorFB[out.currentCursor].Ref()
	ps.output = out
	ps.Src = geom.FixedRect{W: geom.FixedFromInt(b.cursorW), H: geom.FixedFromInt(b.cursorH)}
	ps.Dest = geom.NewRect(
		int32((v.X-float64(out.x))*float64(out.scale)),
		int32((v.Y-float64(out.y))*float64(out.scale)),
		int32(b.cursorW), int32(b.cursorH))

	if needsUpdate {
		b.uploadCursor(ps.fb, v)
	}
	return true
}

// Copies the shm cursor image into the top left of the cursor buffer
func (b *Backend) uploadCursor(fb *Framebuffer, v *scene.View) {
	s := v.Surface
	buf := s.Buffer
	clear(fb.Mem)

	row := int(s.Width) * 4
	for y := 0; y < int(s.Height); y++ {
		src := y * int(buf.Stride)
		dst := y * int(fb.Stride)
		if src+row > len(buf.Data) || dst+row > len(fb.Mem) {
			b.log.WithField("fb", fb.ID).Warnln("Failed to update cursor, buffer too small")
			return
		}
		copy(fb.Mem[dst:dst+row], buf.Data[src:src+row])
	}
}

// setCursor programs the legacy cursor of the output from state.
// Any failure disables hardware cursors for good.
func (b *Backend) setCursor(state *OutputState) {
	out := state.output
	plane := out.cursorPlane
	if plane == nil {
		return
	}
	ps := state.existingPlaneState(plane)
	if ps == nil {
		return
	}
	log := b.log.WithField("output", out.Name)

	if ps.fb == nil {
		if err := b.dev.SetCursor(out.crtcID, 0, 0, 0); err != nil {
			log.WithError(err).Warnln("Failed to clear cursor")
		}
		return
	}

	if plane.LiveFB() != ps.fb {
		if err := b.dev.SetCursor(out.crtcID, ps.fb.Handle, b.cursorW, b.cursorH); err != nil {
			log.WithError(err).Warnln("Failed to set cursor")
			b.breakCursors(out)
			return
		}
	}
	if err := b.dev.MoveCursor(out.crtcID, ps.Dest.X1, ps.Dest.Y1); err != nil {
		log.WithError(err).Warnln("Failed to move cursor")
		b.breakCursors(out)
	}
}

func (b *Backend) breakCursors(out *Output) {
	b.cursorsBroken = true
	_ = b.dev.SetCursor(out.crtcID, 0, 0, 0)
}
