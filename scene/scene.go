// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package scene contains what the display backend sees of the compositor's scene graph.
// The compositor owns these objects, the backend only reads them and writes back the
// plane a view ended up on.
package scene

import (
	"github.com/mstarongithub/way2gay-kms/geom"
)

type BufferType int

const (
	// Client shared memory buffer, CPU readable
	BufferSHM = BufferType(iota)
	// Linux dmabuf, imported by fd
	BufferDMABUF
	// A GPU buffer the importer knows how to wrap
	BufferGPU
)

// Maximum number of dmabuf planes
const MaxPlanes = 4

type DMABUFAttributes struct {
	Planes   int
	Fds      [MaxPlanes]int
	Offsets  [MaxPlanes]uint32
	Strides  [MaxPlanes]uint32
	Modifier uint64
	Flags    uint32
}

// Buffer is an attached client or compositor buffer
type Buffer struct {
	// Unique per underlying buffer object
	ID            uint64
	Type          BufferType
	Width, Height int32
	// DRM fourcc
	Format uint32
	// Only for BufferSHM
	Stride int32
	Data   []byte
	// Only for BufferDMABUF
	DMABUF *DMABUFAttributes
}

// Surface is the content of a view
type Surface struct {
	// Size in surface coordinates
	Width, Height   int32
	Buffer          *Buffer
	BufferTransform geom.Transform
	BufferScale     int32
	// Opaque region, surface-local
	Opaque geom.Region
	// Damage since the last repaint, surface-local
	Damage geom.Region
	// Set by the backend when the buffer must stay alive after the release point
	KeepBuffer bool
}

// FullyOpaque reports whether the opaque region covers the whole surface
func (s *Surface) FullyOpaque() bool {
	return s.Opaque.Covers(geom.NewRect(0, 0, s.Width, s.Height))
}

type PlaneKind int

const (
	// Composited by the renderer onto the primary plane
	PlanePrimary = PlaneKind(iota)
	PlaneScanout
	PlaneCursor
	PlaneOverlay
)

func (k PlaneKind) String() string {
	switch k {
	case PlanePrimary:
		return "primary"
	case PlaneScanout:
		return "scanout"
	case PlaneCursor:
		return "cursor"
	case PlaneOverlay:
		return "overlay"
	default:
		return "unknown"
	}
}

// PresentFlags are the presentation feedback kinds
type PresentFlags uint32

const (
	PresentVSync        = PresentFlags(0x1)
	PresentHWClock      = PresentFlags(0x2)
	PresentHWCompletion = PresentFlags(0x4)
	PresentZeroCopy     = PresentFlags(0x8)
	// The timestamp is not tied to a real flip
	PresentInvalid = PresentFlags(1 << 31)
)

// View places a surface on the global compositor space
type View struct {
	Surface *Surface
	// Global position of the surface origin
	X, Y float64
	// True if anything beyond a translation is applied
	Transformed bool
	Alpha       float32
	// Bit i set means the view is visible on the output with index i
	OutputMask uint32
	// A scissor or clip is in effect
	Clipped bool

	// Filled in by the backend during plane assignment
	Plane    PlaneKind
	Feedback PresentFlags
}

// BoundingBox is the global area covered by the view
func (v *View) BoundingBox() geom.Rect {
	return geom.NewRect(int32(v.X), int32(v.Y), v.Surface.Width, v.Surface.Height)
}

// FromGlobal converts a global point into surface coordinates
func (v *View) FromGlobal(x, y float64) (float64, float64) {
	return x - v.X, y - v.Y
}

// SingleOutput reports whether the view is visible on exactly one output
func (v *View) SingleOutput() bool {
	return v.OutputMask != 0 && v.OutputMask&(v.OutputMask-1) == 0
}
