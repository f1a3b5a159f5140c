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
	"github.com/mstarongithub/way2gay-kms/kms/format"
	"github.com/mstarongithub/way2gay-kms/kms/props"
)

type PlaneType int

const (
	PlanePrimary = PlaneType(props.PlaneTypePrimary)
	PlaneCursor  = PlaneType(props.PlaneTypeCursor)
	PlaneOverlay = PlaneType(props.PlaneTypeOverlay)
)

func (t PlaneType) String() string {
	switch t {
	case PlanePrimary:
		return "primary"
	case PlaneCursor:
		return "cursor"
	case PlaneOverlay:
		return "overlay"
	default:
		return "unknown"
	}
}

// Plane is a hardware plane, or a stand-in for the primary/cursor plane when the
// kernel doesn't expose those as planes
type Plane struct {
	// Zero for stand-in planes
	ID            uint32
	Type          PlaneType
	PossibleCrtcs uint32
	Formats       []uint32

	props props.Table
	// The state the hardware shows right now
	liveState *PlaneState
	b         *Backend
}

// LiveFB is the framebuffer the plane currently scans out, nil if off
func (p *Plane) LiveFB() *Framebuffer {
	if p.liveState == nil {
		return nil
	}
	return p.liveState.fb
}

// LiveOutput is the output the plane is currently used on, nil if off
func (p *Plane) LiveOutput() *Output {
	if p.liveState == nil {
		return nil
	}
	return p.liveState.output
}

// Fake reports whether the plane is a stand-in without a kernel object
func (p *Plane) Fake() bool { return p.ID == 0 }

func (p *Plane) supportsFormat(f uint32) bool {
	for _, have := range p.Formats {
		if have == f {
			return true
		}
	}
	return false
}

// Whether out may put something on this plane in the state being built
func (p *Plane) available(out *Output) bool {
	// The plane still has a request not yet completed by the kernel
	if !p.liveState.complete {
		return false
	}
	if p.liveState.output != nil && p.liveState.output != out {
		return false
	}
	// possible_crtcs is a bitmask of CRTC indices, not ids
	return p.PossibleCrtcs&(1<<uint(out.pipe)) != 0
}

func (p *Plane) initLive() {
	p.liveState = newPlaneState(nil, p)
	p.liveState.complete = true
}

func (b *Backend) createPlanes() {
	ids, err := b.dev.PlaneIDs()
	if err != nil {
		b.log.WithError(err).Errorln("Failed to get plane resources")
		return
	}
	for _, id := range ids {
		kplane, err := b.dev.Plane(id)
		if err != nil {
			b.log.WithError(err).WithField("plane", id).Warnln("Failed to get plane")
			continue
		}
		if _, err := b.newPlane(kplane); err != nil {
			b.log.WithError(err).WithField("plane", id).Warnln("Skipping plane")
		}
	}
}

func (b *Backend) newPlane(kplane *device.Plane) (*Plane, error) {
	p := &Plane{
		ID:            kplane.ID,
		PossibleCrtcs: kplane.PossibleCrtcs,
		Formats:       append([]uint32(nil), kplane.Formats...),
		props:         props.New(props.PlaneTemplate),
		b:             b,
	}
	obj, err := b.dev.ObjectProperties(kplane.ID, device.ObjectPlane)
	if err != nil {
		return nil, fmt.Errorf("couldn't get plane properties: %w", err)
	}
	p.props.Populate(obj, b.dev)
	typ := p.props[props.PlaneType].Value(obj, props.PlaneTypeCount)
	if typ >= props.PlaneTypeCount {
		p.props.Free()
		return nil, fmt.Errorf("plane has no usable type")
	}
	p.Type = PlaneType(typ)
	// Without universal planes only overlays are visible to us
	if !b.universalPlanes && p.Type != PlaneOverlay {
		p.props.Free()
		return nil, fmt.Errorf("unexpected %s plane without universal planes", p.Type)
	}
	p.initLive()
	b.planes = append(b.planes, p)
	return p, nil
}

// Stand-in for a primary or cursor plane driven through SetCrtc/SetCursor
func (b *Backend) newFakePlane(out *Output, typ PlaneType, fourcc uint32) *Plane {
	p := &Plane{
		Type:          typ,
		PossibleCrtcs: 1 << uint(out.pipe),
		Formats:       []uint32{fourcc},
		props:         props.New(props.PlaneTemplate),
		b:             b,
	}
	p.initLive()
	b.planes = append(b.planes, p)
	return p
}

// Finds a primary or cursor plane for out, creating a stand-in without universal planes
func (b *Backend) findSpecialPlane(out *Output, typ PlaneType) *Plane {
	if !b.universalPlanes {
		var fourcc uint32
		if typ == PlaneCursor {
			fourcc = format.ARGB8888
		}
		// The primary format isn't known before the output is configured
		return b.newFakePlane(out, typ, fourcc)
	}

	for _, p := range b.planes {
		if p.Type != typ || !p.available(out) {
			continue
		}
		// Primary and cursor planes can roam between CRTCs on some hardware,
		// never hand one out twice
		claimed := false
		for _, other := range b.outputs {
			if other.scanoutPlane == p || other.cursorPlane == p {
				claimed = true
				break
			}
		}
		if claimed {
			continue
		}
		p.PossibleCrtcs = 1 << uint(out.pipe)
		return p
	}
	return nil
}

func (p *Plane) destroy() {
	if p.Type == PlaneOverlay && !p.Fake() {
		if err := p.b.dev.SetPlane(p.ID, 0, 0, geom.Rect{}, geom.FixedRect{}); err != nil {
			p.b.log.WithError(err).WithField("plane", p.ID).Warnln("Failed to disable plane")
		}
	}
	p.liveState.free(true)
	p.liveState = nil
	p.props.Free()
	for i, other := range p.b.planes {
		if other == p {
			p.b.planes = append(p.b.planes[:i], p.b.planes[i+1:]...)
			break
		}
	}
}
