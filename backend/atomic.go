// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"errors"
	"fmt"

	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/kms/props"
)

func (b *Backend) ensureBlob(m *Mode) error {
	if m.blobID != 0 {
		return nil
	}
	id, err := b.dev.CreateModeBlob(&m.Info)
	if err != nil {
		return fmt.Errorf("failed to create mode property blob: %w", err)
	}
	m.blobID = id
	return nil
}

// Zeroes every connector, CRTC and plane nobody uses, for commits that
// reprogram the device from scratch
func (b *Backend) addResyncProps(req *device.AtomicRequest) error {
	var errs []error

	for _, id := range b.unusedConnectors {
		obj, err := b.dev.ObjectProperties(id, device.ObjectConnector)
		if err != nil {
			errs = append(errs, fmt.Errorf("connector %d: %w", id, err))
			continue
		}
		infos := props.New(props.ConnectorTemplate)
		infos.Populate(obj, b.dev)
		// The kernel refuses atomic writes of the legacy DPMS property, unbinding
		// the CRTC powers the connector down
		if err := req.Add(id, infos[props.ConnectorCrtcID].ID, 0); err != nil {
			errs = append(errs, fmt.Errorf("connector %d: %w", id, err))
		}
		infos.Free()
	}

	for _, id := range b.unusedCrtcs {
		obj, err := b.dev.ObjectProperties(id, device.ObjectCrtc)
		if err != nil {
			errs = append(errs, fmt.Errorf("crtc %d: %w", id, err))
			continue
		}
		infos := props.New(props.CrtcTemplate)
		infos.Populate(obj, b.dev)
		// Turning off a CRTC that is already off generates no event and fails the commit
		if infos[props.CrtcActive].Value(obj, 0) == 0 {
			infos.Free()
			continue
		}
		if err := req.Add(id, infos[props.CrtcActive].ID, 0); err != nil {
			errs = append(errs, fmt.Errorf("crtc %d: %w", id, err))
		}
		if err := req.Add(id, infos[props.CrtcModeID].ID, 0); err != nil {
			errs = append(errs, fmt.Errorf("crtc %d: %w", id, err))
		}
		infos.Free()
	}

	// Planes in use get their real values from the output states afterwards
	for _, p := range b.planes {
		if p.Fake() {
			continue
		}
		if err := req.Add(p.ID, p.props[props.PlaneCrtcID].ID, 0); err != nil {
			errs = append(errs, fmt.Errorf("plane %d: %w", p.ID, err))
		}
		if err := req.Add(p.ID, p.props[props.PlaneFbID].ID, 0); err != nil {
			errs = append(errs, fmt.Errorf("plane %d: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) addOutputProps(s *OutputState, req *device.AtomicRequest, flags *uint32) error {
	out := s.output
	if s.DPMS != out.stateCur.DPMS {
		*flags |= device.AtomicAllowModeset
	}

	crtc := func(prop int, val uint64) error {
		return req.Add(out.crtcID, out.crtcProps[prop].ID, val)
	}
	conn := func(prop int, val uint64) error {
		return req.Add(out.connectorID, out.connProps[prop].ID, val)
	}

	var err error
	if s.DPMS == DPMSOn {
		if out.mode == nil {
			return fmt.Errorf("%w: output %s has no mode", ErrModeNotFound, out.Name)
		}
		if err := b.ensureBlob(out.mode); err != nil {
			return err
		}
		err = errors.Join(
			crtc(props.CrtcModeID, uint64(out.mode.blobID)),
			crtc(props.CrtcActive, 1),
			conn(props.ConnectorCrtcID, uint64(out.crtcID)),
		)
	} else {
		err = errors.Join(
			crtc(props.CrtcModeID, 0),
			crtc(props.CrtcActive, 0),
			conn(props.ConnectorCrtcID, 0),
		)
	}
	if err != nil {
		return fmt.Errorf("couldn't set atomic crtc/connector state: %w", err)
	}

	for _, ps := range s.planes {
		p := ps.plane
		plane := func(prop int, val uint64) error {
			return req.Add(p.ID, p.props[prop].ID, val)
		}
		var fbID, crtcID uint64
		if ps.fb != nil {
			fbID = uint64(ps.fb.ID)
			crtcID = uint64(out.crtcID)
		}
		err := errors.Join(
			plane(props.PlaneFbID, fbID),
			plane(props.PlaneCrtcID, crtcID),
			plane(props.PlaneSrcX, uint64(ps.Src.X)),
			plane(props.PlaneSrcY, uint64(ps.Src.Y)),
			plane(props.PlaneSrcW, uint64(ps.Src.W)),
			plane(props.PlaneSrcH, uint64(ps.Src.H)),
			plane(props.PlaneCrtcX, uint64(int64(ps.Dest.X1))),
			plane(props.PlaneCrtcY, uint64(int64(ps.Dest.Y1))),
			plane(props.PlaneCrtcW, uint64(ps.Dest.Width())),
			plane(props.PlaneCrtcH, uint64(ps.Dest.Height())),
		)
		if err != nil {
			return fmt.Errorf("couldn't set %s plane %d state: %w", p.Type, p.ID, err)
		}
	}
	return nil
}

// One transaction for the whole pending state. Nothing is assigned unless the
// kernel takes all of it.
func (b *Backend) applyAtomic(pending *PendingState, mode ApplyMode) error {
	defer pending.free()

	var (
		req   device.AtomicRequest
		flags uint32
		errs  []error
	)
	affected := outputsOf(pending)

	if b.stateInvalid {
		if err := b.addResyncProps(&req); err != nil {
			errs = append(errs, err)
		}
		flags |= device.AtomicAllowModeset
	}
	for _, s := range pending.outputs {
		if err := b.addOutputProps(s, &req, &flags); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.log.WithError(err).Errorln("Couldn't compile atomic state")
		return &CommitError{Outputs: affected, Err: err}
	}

	if mode == ApplyAsync {
		flags |= device.PageFlipEvent | device.AtomicNonBlock
	}
	if err := b.dev.Atomic(req, flags); err != nil {
		b.log.WithError(err).Errorln("Couldn't commit new atomic state")
		return &CommitError{Outputs: affected, Err: err}
	}

	for len(pending.outputs) > 0 {
		s := pending.outputs[0]
		s.assign(mode)
		if mode == ApplyAsync {
			s.output.armWatchdog()
		}
	}
	b.stateInvalid = false
	return nil
}
