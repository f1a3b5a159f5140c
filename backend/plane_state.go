// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"github.com/mstarongithub/way2gay-kms/geom"
)

// PlaneState is the configuration of one plane, either live on the hardware or
// part of a state being built
type PlaneState struct {
	plane       *Plane
	output      *Output
	outputState *OutputState
	fb          *Framebuffer

	// Source in 16.16 fixed point, buffer coordinates
	Src geom.FixedRect
	// Destination in CRTC pixels
	Dest geom.Rect

	// The kernel finished applying this state
	complete bool
	// No vblank event was requested for this overlay update
	noEvent bool
}

func (ps *PlaneState) Plane() *Plane { return ps.plane }
func (ps *PlaneState) Output() *Output { return ps.output }
func (ps *PlaneState) FB() *Framebuffer { return ps.fb }
func (ps *PlaneState) Complete() bool { return ps.complete }
func (ps *PlaneState) OutputState() *OutputState { return ps.outputState }

// Whether this is what the hardware shows right now
func (ps *PlaneState) isLive() bool {
	return ps.plane.liveState == ps
}

// An empty state for plane, added to the output state unless that is nil
func newPlaneState(state *OutputState, plane *Plane) *PlaneState {
	ps := &PlaneState{plane: plane, outputState: state}
	if state != nil {
		state.planes = append(state.planes, ps)
	}
	return ps
}

// free detaches ps from its output state.
// A live state keeps its framebuffer until force is set or it gets replaced.
func (ps *PlaneState) free(force bool) {
	if ps == nil {
		return
	}
	if ps.outputState != nil {
		ps.outputState.removePlane(ps)
		ps.outputState = nil
	}
	if force || !ps.isLive() {
		ps.fb.Unref()
		ps.fb = nil
		ps.output = nil
	}
}

// Copies ps into state, replacing whatever state already holds for the same plane
func (ps *PlaneState) duplicate(state *OutputState) *PlaneState {
	if old := state.existingPlaneState(ps.plane); old != nil {
		old.free(false)
	}
	dst := &PlaneState{
		plane:       ps.plane,
		output:      ps.output,
		outputState: state,
		fb:          ps.fb,
		Src:         ps.Src,
		Dest:        ps.Dest,
	}
	if dst.fb != nil {
		dst.fb.Ref()
	}
	state.planes = append(state.planes, dst)
	return dst
}

// putBack undoes a failed attempt to use the plane.
// If the plane is on right now, an empty state takes the place of ps so the
// commit turns it off.
func (ps *PlaneState) putBack() {
	if ps == nil {
		return
	}
	state := ps.outputState
	plane := ps.plane
	ps.free(false)

	// Plane was off already, nothing to disable
	if plane.liveState == nil || plane.liveState.fb == nil {
		return
	}
	if state != nil {
		newPlaneState(state, plane)
	}
}
