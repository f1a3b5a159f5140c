// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"github.com/mstarongithub/way2gay-kms/backend"
	"github.com/mstarongithub/way2gay-kms/common/ipc"
	"github.com/mstarongithub/way2gay-kms/kms/format"
)

func outputInfo(out *backend.Output) ipc.OutputInfo {
	return ipc.OutputInfo{
		Name:      out.Name,
		Connector: out.ConnectorID(),
		Crtc:      out.CrtcID(),
		Virtual:   out.Virtual(),
		Enabled:   out.Enabled(),
		DPMS:      out.DPMS().String(),
		Format:    out.Format().Name,
	}
}

func outputModes(out *backend.Output) []ipc.OutputMode {
	modes := make([]ipc.OutputMode, 0, len(out.Modes()))
	for _, m := range out.Modes() {
		modes = append(modes, ipc.OutputMode{
			Width:       int(m.Width),
			Height:      int(m.Height),
			RefreshRate: int(m.Refresh),
			Preferred:   m.Flags&backend.ModePreferred != 0,
			Current:     m == out.CurrentMode(),
		})
	}
	return modes
}

func planeInfo(p *backend.Plane) ipc.PlaneInfo {
	info := ipc.PlaneInfo{
		ID:            p.ID,
		Type:          p.Type.String(),
		PossibleCrtcs: p.PossibleCrtcs,
	}
	for _, f := range p.Formats {
		info.Formats = append(info.Formats, format.Name(f))
	}
	if out := p.LiveOutput(); out != nil {
		info.Output = out.Name
	}
	if fb := p.LiveFB(); fb != nil {
		info.FB = fb.ID
	}
	return info
}

func (s *Server) outputInfos() []ipc.OutputInfo {
	infos := []ipc.OutputInfo{}
	for _, out := range s.backend.Outputs() {
		infos = append(infos, outputInfo(out))
	}
	return infos
}

func (s *Server) modesOf(name string) []ipc.OutputMode {
	if out := s.backend.Output(name); out != nil {
		return outputModes(out)
	}
	return nil
}

func (s *Server) deviceInfo() ipc.DeviceInfo {
	w, h := s.backend.CursorSize()
	info := ipc.DeviceInfo{
		Path:            s.conf.Backend.Device,
		Atomic:          s.backend.Atomic(),
		UniversalPlanes: s.backend.UniversalPlanes(),
		CursorWidth:     w,
		CursorHeight:    h,
	}
	for _, p := range s.backend.Planes() {
		if !p.Fake() {
			info.Planes = append(info.Planes, planeInfo(p))
		}
	}
	return info
}
