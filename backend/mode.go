// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/kms/format"
)

type ModeFlags uint32

const (
	ModeCurrent   = ModeFlags(0x1)
	ModePreferred = ModeFlags(0x2)
)

// Mode is one video mode of an output
type Mode struct {
	Info          device.ModeInfo
	Width, Height int32
	// In mHz
	Refresh int32
	Flags   ModeFlags
	// Property blob for atomic commits, created on first use
	blobID uint32
}

func (m *Mode) String() string {
	var flags []string
	if m.Flags&ModePreferred != 0 {
		flags = append(flags, "preferred")
	}
	if m.Flags&ModeCurrent != 0 {
		flags = append(flags, "current")
	}
	s := fmt.Sprintf("%dx%d@%.1f", m.Width, m.Height, float64(m.Refresh)/1000)
	if len(flags) > 0 {
		s += ", " + strings.Join(flags, ", ")
	}
	return s
}

// RefreshMHz calculates the refresh rate of a mode in mHz
func RefreshMHz(info *device.ModeInfo) int32 {
	if info.Htotal == 0 || info.Vtotal == 0 {
		return 0
	}
	refresh := (uint64(info.Clock)*1000000/uint64(info.Htotal) + uint64(info.Vtotal)/2) / uint64(info.Vtotal)

	if info.Flags&device.ModeFlagInterlace != 0 {
		refresh *= 2
	}
	if info.Flags&device.ModeFlagDblScan != 0 {
		refresh /= 2
	}
	if info.Vscan > 1 {
		refresh /= uint64(info.Vscan)
	}
	return int32(refresh)
}

func (out *Output) addMode(info *device.ModeInfo) *Mode {
	m := &Mode{
		Info:    *info,
		Width:   int32(info.Hdisplay),
		Height:  int32(info.Vdisplay),
		Refresh: RefreshMHz(info),
	}
	if info.Type&device.ModeTypePreferred != 0 {
		m.Flags |= ModePreferred
	}
	out.modes = append(out.modes, m)
	return m
}

func (b *Backend) destroyModes(out *Output) {
	for _, m := range out.modes {
		if m.blobID == 0 {
			continue
		}
		if err := b.dev.DestroyBlob(m.blobID); err != nil {
			b.log.WithError(err).Warnln("Failed to destroy mode blob")
		}
		m.blobID = 0
	}
	out.modes = nil
	out.mode = nil
	out.nativeMode = nil
}

// ParseModeline parses an X11 style modeline like
// "148.50 1920 2008 2052 2200 1080 1084 1089 1125 +hsync +vsync"
func ParseModeline(s string) (device.ModeInfo, error) {
	var (
		info         device.ModeInfo
		clock        float32
		hsync, vsync string
	)
	n, err := fmt.Sscanf(s, "%f %d %d %d %d %d %d %d %d %s %s",
		&clock,
		&info.Hdisplay, &info.HsyncStart, &info.HsyncEnd, &info.Htotal,
		&info.Vdisplay, &info.VsyncStart, &info.VsyncEnd, &info.Vtotal,
		&hsync, &vsync)
	if n != 11 {
		return device.ModeInfo{}, fmt.Errorf("invalid modeline %q: %w", s, err)
	}

	info.Type = device.ModeTypeUserDef
	info.Clock = uint32(clock * 1000)

	switch hsync {
	case "+hsync":
		info.Flags |= device.ModeFlagPHSync
	case "-hsync":
		info.Flags |= device.ModeFlagNHSync
	default:
		return device.ModeInfo{}, fmt.Errorf("invalid modeline %q: bad hsync %q", s, hsync)
	}
	switch vsync {
	case "+vsync":
		info.Flags |= device.ModeFlagPVSync
	case "-vsync":
		info.Flags |= device.ModeFlagNVSync
	default:
		return device.ModeInfo{}, fmt.Errorf("invalid modeline %q: bad vsync %q", s, vsync)
	}

	name := fmt.Sprintf("%dx%d@%.3f", info.Hdisplay, info.Vdisplay, clock)
	copy(info.Name[:len(info.Name)-1], name)
	return info, nil
}

// OutputMode is how an output picks its initial mode
type OutputMode int

const (
	OutputModeOff = OutputMode(iota)
	// Keep whatever the firmware or the previous user set up
	OutputModeCurrent
	// Use the preferred mode, or the mode from the modeline if one is given
	OutputModePreferred
)

// ParseOutputMode maps a configuration value to an OutputMode and a modeline
func ParseOutputMode(s string) (OutputMode, string) {
	switch s {
	case "off":
		return OutputModeOff, ""
	case "current":
		return OutputModeCurrent, ""
	case "", "preferred":
		return OutputModePreferred, ""
	default:
		return OutputModePreferred, s
	}
}

func (out *Output) chooseInitialMode(kind OutputMode, modeline string, current *device.ModeInfo) (*Mode, error) {
	var (
		preferred, cur, configured, best *Mode
		width, height                    int32
		refresh                          uint32
	)

	if kind == OutputModePreferred && modeline != "" {
		n, _ := fmt.Sscanf(modeline, "%dx%d@%d", &width, &height, &refresh)
		if n != 2 && n != 3 {
			width = -1
			info, err := ParseModeline(modeline)
			if err == nil {
				configured = out.addMode(&info)
			} else {
				out.b.log.WithError(err).WithField("output", out.Name).Warnln("Invalid modeline")
			}
		}
	}

	for _, m := range out.modes {
		if configured == nil && width == m.Width && height == m.Height &&
			(refresh == 0 || refresh == m.Info.Vrefresh) {
			configured = m
		}
		if cur == nil && m.Info == *current {
			cur = m
		}
		if preferred == nil && m.Flags&ModePreferred != 0 {
			preferred = m
		}
		if best == nil {
			best = m
		}
	}

	if cur == nil && current.Clock != 0 {
		cur = out.addMode(current)
	}

	if kind == OutputModeCurrent {
		configured = cur
	}

	switch {
	case configured != nil:
		return configured, nil
	case preferred != nil:
		return preferred, nil
	case cur != nil:
		return cur, nil
	case best != nil:
		return best, nil
	}
	return nil, fmt.Errorf("%w: no available modes for %s", ErrModeNotFound, out.Name)
}

// SetMode picks the mode the output is enabled with
func (out *Output) SetMode(kind OutputMode, modeline string) error {
	if out.virtual {
		return ErrVirtualOutput
	}
	if kind == OutputModeOff {
		return nil
	}
	current, err := out.b.connectorCurrentMode(out.connectorID)
	if err != nil {
		return err
	}
	m, err := out.chooseInitialMode(kind, modeline, current)
	if err != nil {
		return err
	}
	out.mode = m
	m.Flags |= ModeCurrent
	out.nativeMode = m
	return nil
}

// The mode the CRTC currently drives the connector with, zeroed if none
func (b *Backend) connectorCurrentMode(connectorID uint32) (*device.ModeInfo, error) {
	conn, err := b.dev.Connector(connectorID)
	if err != nil {
		return nil, fmt.Errorf("failed to get connector %d: %w", connectorID, err)
	}
	info := &device.ModeInfo{}
	if conn.EncoderID == 0 {
		return info, nil
	}
	enc, err := b.dev.Encoder(conn.EncoderID)
	if err != nil || enc.CrtcID == 0 {
		return info, nil
	}
	crtc, err := b.dev.Crtc(enc.CrtcID)
	if err != nil {
		return info, nil
	}
	if crtc.ModeValid {
		*info = crtc.Mode
	}
	return info, nil
}

func (out *Output) chooseMode(width, height, refresh int32) *Mode {
	if cur := out.mode; cur != nil && cur.Width == width && cur.Height == height &&
		(cur.Refresh == refresh || refresh == 0) {
		return cur
	}
	var fallback *Mode
	for _, m := range out.modes {
		if int32(m.Info.Hdisplay) != width || int32(m.Info.Vdisplay) != height {
			continue
		}
		if m.Refresh == refresh || refresh == 0 {
			return m
		}
		if fallback == nil {
			fallback = m
		}
	}
	return fallback
}

// SwitchMode changes the mode of an enabled output. refresh is in mHz, 0 matches any.
// The next commit reprograms everything from scratch.
func (out *Output) SwitchMode(width, height, refresh int32) error {
	if out.virtual {
		return ErrVirtualOutput
	}
	if out.mode == nil {
		return fmt.Errorf("%w: output %s has no mode yet", ErrModeNotFound, out.Name)
	}
	m := out.chooseMode(width, height, refresh)
	if m == nil {
		return fmt.Errorf("%w: invalid resolution %dx%d", ErrModeNotFound, width, height)
	}
	if m == out.mode {
		return nil
	}

	out.mode.Flags = 0
	out.mode = m
	m.Flags = ModeCurrent | ModePreferred

	out.b.stateInvalid = true
	out.b.log.WithFields(logrus.Fields{
		"output": out.Name,
		"mode":   m.String(),
	}).Infoln("Switching mode")

	if !out.enabled {
		return nil
	}
	out.finiRender()
	if err := out.initRender(); err != nil {
		return fmt.Errorf("failed to init output render state with new mode: %w", err)
	}
	return nil
}

// ParseFormat maps a configured scanout format name to its format, def if s is empty
func ParseFormat(s string, def uint32) (*format.Info, error) {
	switch s {
	case "":
		return format.Lookup(def), nil
	case "xrgb8888", "rgb565", "xrgb2101010":
		return format.LookupName(s), nil
	}
	return nil, fmt.Errorf("%w: unrecognized pixel format %q", ErrUnsupportedFormat, s)
}

// SetFormat overrides the scanout format of an output, falls back to the
// backend default on an unknown name
func (out *Output) SetFormat(name string) {
	f, err := ParseFormat(name, out.b.format.Format)
	if err != nil {
		out.b.log.WithError(err).WithField("output", out.Name).Warnln("Using default format")
		f = out.b.format
	}
	out.setFormat(f)
}
