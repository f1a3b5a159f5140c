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

// Assignment is the plane layout AssignPlanes picked for one output
type Assignment struct {
	State *OutputState
	// What the renderer still has to composite, global coordinates
	RendererRegion geom.Region
}

// AssignPlanes builds the next state of out inside pending and moves as many
// views as possible onto hardware planes. views are ordered top to bottom.
// Views on out get their Plane and Feedback set, views elsewhere are left alone.
// Virtual outputs have no planes of their own, everything there is rendered.
func (b *Backend) AssignPlanes(out *Output, views []*scene.View, pending *PendingState) (*Assignment, error) {
	if pending == nil {
		pending = b.repaintData
	}
	if pending == nil {
		return nil, errNoRepaint
	}
	if out.stateLast != nil {
		return nil, ErrOutputBusy
	}

	state := out.stateCur.duplicate(pending, DupClear)
	software := out.softwareRendered()

	var renderer geom.Region
	pickedScanout := false
	for _, v := range views {
		if !out.shows(v) {
			continue
		}
		s := v.Surface
		// Buffers that may end up on a plane have to outlive their release
		s.KeepBuffer = software || (s.Buffer != nil &&
			(s.Buffer.Type != scene.BufferSHM ||
				(s.Width <= int32(b.cursorW) && s.Height <= int32(b.cursorH))))

		bbox := v.BoundingBox()
		kind := scene.PlanePrimary
		switch {
		case out.virtual:
		// Anything below a view on the primary plane, or below the scanout
		// view, can only be composited
		case pickedScanout || renderer.Overlaps(bbox):
		case b.prepareCursor(state, v):
			kind = scene.PlaneCursor
		case b.prepareScanout(state, v):
			kind = scene.PlaneScanout
			pickedScanout = true
		case b.prepareOverlay(state, v):
			kind = scene.PlaneOverlay
		}

		v.Plane = kind
		switch kind {
		case scene.PlanePrimary:
			renderer.Add(bbox)
			v.Feedback = 0
		case scene.PlaneCursor:
			// The cursor is a copy
			v.Feedback = 0
		default:
			v.Feedback = scene.PresentZeroCopy
		}
	}

	// The cursor view is kept across repaints to skip needless uploads, it has
	// to go when the cursor plane ends up empty
	if out.cursorView != nil {
		ps := state.existingPlaneState(out.cursorPlane)
		if ps == nil || ps.fb == nil {
			out.cursorView = nil
		}
	}
	return &Assignment{State: state, RendererRegion: renderer}, nil
}

func (out *Output) shows(v *scene.View) bool {
	return out.index >= 0 && v.OutputMask&(1<<uint(out.index)) != 0
}

func (out *Output) onlyOn(v *scene.View) bool {
	return out.index >= 0 && v.OutputMask == 1<<uint(out.index)
}

// The format to scan buf out with. Formats with alpha become their opaque
// variant when area is opaque anyway.
func opaqueFormat(fourcc uint32, s *scene.Surface, area geom.Rect) uint32 {
	info := format.Lookup(fourcc)
	if info == nil || info.Opaque == 0 {
		return fourcc
	}
	if s.Opaque.Covers(area) {
		return info.Opaque
	}
	return fourcc
}

// Puts a client buffer that covers the whole output straight on the primary plane
func (b *Backend) prepareScanout(state *OutputState, v *scene.View) bool {
	out := state.output
	s := v.Surface
	buf := s.Buffer

	if !out.onlyOn(v) || b.importer == nil {
		return false
	}
	if buf == nil || buf.Type == scene.BufferSHM {
		return false
	}
	if v.X != float64(out.x) || v.Y != float64(out.y) {
		return false
	}
	if buf.Width != out.mode.Width || buf.Height != out.mode.Height {
		return false
	}
	if v.Transformed || v.Clipped {
		return false
	}
	if s.BufferTransform != out.transform || s.BufferScale != out.scale {
		return false
	}
	if v.Alpha != 1 {
		return false
	}

	ps := state.planeState(out.scanoutPlane)
	// A view above already got the scanout plane, leave it be
	if ps.fb != nil {
		return false
	}

	bo, err := b.importer.Import(buf, UsageScanout)
	if err != nil {
		b.log.WithError(err).Debugln("Buffer can't be scanned out")
		return false
	}

	w, h := out.Size()
	fourcc := opaqueFormat(bo.Format(), s, geom.NewRect(0, 0, w, h))
	if fourcc != out.format.Format {
		ps.putBack()
		bo.Release()
		return false
	}
	fb, err := b.GetFromBO(bo, fourcc, FBClient)
	if err != nil {
		b.log.WithError(err).Debugln("Couldn't register scanout buffer")
		ps.putBack()
		bo.Release()
		return false
	}
	fb.Buffer = buf

	ps.fb = fb
	ps.output = out
	ps.Src = geom.FixedRect{W: geom.FixedFromInt(fb.Width), H: geom.FixedFromInt(fb.Height)}
	ps.Dest = geom.NewRect(0, 0, out.mode.Width, out.mode.Height)
	return true
}

func (b *Backend) prepareOverlay(state *OutputState, v *scene.View) bool {
	out := state.output
	s := v.Surface
	buf := s.Buffer

	if b.spritesBroken || !out.onlyOn(v) || b.importer == nil {
		return false
	}
	if buf == nil || buf.Type == scene.BufferSHM {
		return false
	}
	if s.BufferTransform != out.transform || s.BufferScale != out.scale {
		return false
	}
	if v.Transformed || v.Alpha != 1 {
		return false
	}

	var (
		plane *Plane
		ps    *PlaneState
	)
	for _, p := range b.planes {
		if p.Type != PlaneOverlay || !p.available(out) {
			continue
		}
		if cand := state.planeState(p); cand.fb == nil {
			plane, ps = p, cand
			break
		}
	}
	if ps == nil {
		return false
	}

	// Only single plane buffers without flags the plane can't express
	if d := buf.DMABUF; buf.Type == scene.BufferDMABUF && d != nil {
		if d.Planes != 1 || d.Offsets[0] != 0 || d.Flags != 0 {
			ps.putBack()
			return false
		}
	}

	bo, err := b.importer.Import(buf, UsageScanout)
	if err != nil {
		b.log.WithError(err).Debugln("Buffer can't go onto an overlay")
		ps.putBack()
		return false
	}
	fourcc := opaqueFormat(bo.Format(), s, geom.NewRect(0, 0, s.Width, s.Height))
	if !plane.supportsFormat(fourcc) {
		ps.putBack()
		bo.Release()
		return false
	}
	fb, err := b.GetFromBO(bo, fourcc, FBClient)
	if err != nil {
		b.log.WithError(err).Debugln("Couldn't register overlay buffer")
		ps.putBack()
		bo.Release()
		return false
	}
	fb.Buffer = buf
	ps.fb = fb
	ps.output = out

	visible := v.BoundingBox().Intersect(out.Region())

	ow, oh := out.Size()
	ps.Dest = geom.TransformRect(ow, oh, out.transform, out.scale, visible.Translate(-out.x, -out.y))

	sx1, sy1 := v.FromGlobal(float64(visible.X1), float64(visible.Y1))
	sx2, sy2 := v.FromGlobal(float64(visible.X2), float64(visible.Y2))
	sx1, sy1 = max(sx1, 0), max(sy1, 0)
	sx2, sy2 = min(sx2, float64(s.Width)), min(sy2, float64(s.Height))

	src := geom.TransformRectF(float64(s.Width), float64(s.Height), s.BufferTransform, s.BufferScale,
		geom.RectF{X1: sx1, Y1: sy1, X2: sx2, Y2: sy2})
	ps.Src = geom.FixedRect{
		X: geom.ToFixed(src.X1),
		Y: geom.ToFixed(src.Y1),
		W: geom.ToFixed(src.Width()),
		H: geom.ToFixed(src.Height()),
	}
	return true
}
