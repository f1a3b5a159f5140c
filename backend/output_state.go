// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"github.com/mstarongithub/way2gay-kms/kms/props"
)

type DPMSLevel int

const (
	DPMSOn      = DPMSLevel(props.DPMSOn)
	DPMSStandby = DPMSLevel(props.DPMSStandby)
	DPMSSuspend = DPMSLevel(props.DPMSSuspend)
	DPMSOff     = DPMSLevel(props.DPMSOff)
)

func (l DPMSLevel) String() string {
	switch l {
	case DPMSOn:
		return "on"
	case DPMSStandby:
		return "standby"
	case DPMSSuspend:
		return "suspend"
	case DPMSOff:
		return "off"
	default:
		return "unknown"
	}
}

// DupMode says what happens to the plane states when duplicating an output state
type DupMode int

const (
	// Copy every enabled plane as it is
	DupPreserve = DupMode(iota)
	// Reserve the planes but leave them empty, for a fresh assignment
	DupClear
)

type ApplyMode int

const (
	// Blocks until the hardware took the state, no completion event follows
	ApplySync = ApplyMode(iota)
	// Returns immediately, a completion event retires the state later
	ApplyAsync
)

// OutputState is everything configured for one output: power and planes
type OutputState struct {
	output  *Output
	pending *PendingState
	planes  []*PlaneState
	DPMS    DPMSLevel
}

func (s *OutputState) Output() *Output { return s.output }
func (s *OutputState) PlaneStates() []*PlaneState { return s.planes }

func newOutputState(out *Output, pending *PendingState) *OutputState {
	s := &OutputState{output: out, DPMS: DPMSOff}
	if pending != nil {
		pending.add(s)
	}
	return s
}

func (s *OutputState) removePlane(ps *PlaneState) {
	for i, have := range s.planes {
		if have == ps {
			s.planes = append(s.planes[:i], s.planes[i+1:]...)
			return
		}
	}
}

// duplicate copies s into pending. Planes that are off are not carried over so
// that other outputs can pick them up.
func (s *OutputState) duplicate(pending *PendingState, mode DupMode) *OutputState {
	dst := &OutputState{output: s.output, DPMS: s.DPMS}
	for _, ps := range s.planes {
		if ps.output == nil {
			continue
		}
		if mode == DupClear {
			newPlaneState(dst, ps.plane)
		} else {
			ps.duplicate(dst)
		}
	}
	if pending != nil {
		pending.add(dst)
	}
	return dst
}

// existingPlaneState returns the state s holds for plane, nil if it has none
func (s *OutputState) existingPlaneState(plane *Plane) *PlaneState {
	for _, ps := range s.planes {
		if ps.plane == plane {
			return ps
		}
	}
	return nil
}

// planeState returns the state s holds for plane, creating an empty one if needed
func (s *OutputState) planeState(plane *Plane) *PlaneState {
	if ps := s.existingPlaneState(plane); ps != nil {
		return ps
	}
	return newPlaneState(s, plane)
}

// free releases every plane state (live ones keep their framebuffer) and
// unlinks s from its pending state
func (s *OutputState) free() {
	if s == nil {
		return
	}
	for len(s.planes) > 0 {
		s.planes[0].free(false)
	}
	if s.pending != nil {
		s.pending.remove(s)
	}
}

// A state for out in pending that turns it off
func (out *Output) disableState(pending *PendingState) *OutputState {
	s := out.stateCur.duplicate(pending, DupClear)
	s.DPMS = DPMSOff
	return s
}

// assign makes s the current state of its output and each of its planes
func (s *OutputState) assign(mode ApplyMode) {
	out := s.output
	b := out.b

	if out.stateLast != nil {
		panic("output " + out.Name + " still has a state waiting for completion")
	}

	if mode == ApplyAsync {
		out.stateLast = out.stateCur
	} else {
		out.stateCur.free()
	}

	if s.pending != nil {
		s.pending.remove(s)
	}
	out.stateCur = s

	if mode == ApplyAsync {
		out.awaitingCompletion = true
		if b.atomic {
			out.atomicCompletePending = true
		}
	}

	for _, ps := range s.planes {
		plane := ps.plane
		// The previous live state is disposed of here only if nothing else
		// holds it, otherwise freeing its output state takes care of it
		if plane.liveState != nil && plane.liveState.outputState == nil {
			plane.liveState.free(true)
		}
		plane.liveState = ps

		if mode != ApplyAsync {
			ps.complete = true
			continue
		}
		if b.atomic {
			continue
		}
		switch plane.Type {
		case PlaneOverlay:
			if ps.noEvent {
				ps.complete = true
				continue
			}
			out.vblankPending++
		case PlanePrimary:
			out.pageFlipPending = true
		}
	}
}

// PendingState collects the output states of one repaint cycle
type PendingState struct {
	b       *Backend
	outputs []*OutputState
}

func (b *Backend) newPendingState() *PendingState {
	return &PendingState{b: b}
}

func (p *PendingState) add(s *OutputState) {
	s.pending = p
	p.outputs = append(p.outputs, s)
}

func (p *PendingState) remove(s *OutputState) {
	for i, have := range p.outputs {
		if have == s {
			p.outputs = append(p.outputs[:i], p.outputs[i+1:]...)
			break
		}
	}
	s.pending = nil
}

// OutputState finds the state for out, nil if it isn't part of p
func (p *PendingState) OutputState(out *Output) *OutputState {
	for _, s := range p.outputs {
		if s.output == out {
			return s
		}
	}
	return nil
}

// OutputStates lists the output states in p
func (p *PendingState) OutputStates() []*OutputState { return p.outputs }

func (p *PendingState) free() {
	if p == nil {
		return
	}
	for len(p.outputs) > 0 {
		p.outputs[0].free()
	}
}
