// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package device is the kernel modesetting device the backend drives.
//
// Device is the full set of KMS calls the commit engine makes. Card implements
// it on top of a real /dev/dri/cardN node, kmstest.Device fakes it for tests.
package device

import (
	"errors"

	"github.com/NeowayLabs/drm/mode"
	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/props"
)

// ModeInfo is the kernel drm_mode_modeinfo
type ModeInfo = mode.Info

// Object types for property calls
const (
	ObjectCrtc      = mode.ObjectCRTC
	ObjectConnector = mode.ObjectConnector
	ObjectPlane     = mode.ObjectPlane
)

// Atomic and page flip flags
const (
	PageFlipEvent      = mode.PageFlipEvent
	PageFlipAsync      = mode.PageFlipAsync
	AtomicTestOnly     = mode.AtomicTestOnly
	AtomicNonBlock     = mode.AtomicNonBlock
	AtomicAllowModeset = mode.AtomicAllowModeSet
)

// Client capabilities
const (
	ClientCapUniversalPlanes = mode.ClientCapUniversalPlanes
	ClientCapAtomic          = mode.ClientCapAtomic
)

// Device capabilities for Cap
const (
	CapDumbBuffer         = 0x1
	CapTimestampMonotonic = 0x6
	CapCursorWidth        = 0x8
	CapCursorHeight       = 0x9
	CapCrtcInVBlankEvent  = 0x12
)

// Mode flags and types used by the backend
const (
	ModeFlagPHSync    = 1 << 0
	ModeFlagNHSync    = 1 << 1
	ModeFlagPVSync    = 1 << 2
	ModeFlagNVSync    = 1 << 3
	ModeFlagInterlace = 1 << 4
	ModeFlagDblScan   = 1 << 5

	ModeTypePreferred = 1 << 3
	ModeTypeUserDef   = 1 << 5
)

// Wait-vblank request bits
const (
	VBlankRelative      = 0x1
	VBlankEvent         = 0x4000000
	VBlankSecondary     = 0x20000000
	VBlankHighCrtcShift = 1
	VBlankHighCrtcMask  = 0x0000003e
)

// VBlankPipe encodes a CRTC pipe index into wait-vblank request bits
func VBlankPipe(pipe int) uint32 {
	if pipe > 1 {
		return (uint32(pipe) << VBlankHighCrtcShift) & VBlankHighCrtcMask
	}
	if pipe > 0 {
		return VBlankSecondary
	}
	return 0
}

var ErrNoProperty = errors.New("property not available on object")

type Resources struct {
	MinWidth, MaxWidth   uint32
	MinHeight, MaxHeight uint32
	Crtcs                []uint32
	Connectors           []uint32
	Encoders             []uint32
}

type Connector struct {
	ID        uint32
	EncoderID uint32
	Type      uint32
	TypeID    uint32
	Connected bool
	// Physical size in millimeters
	MMWidth, MMHeight uint32
	Modes             []ModeInfo
	Props             props.ObjectProperties
	Encoders          []uint32
}

type Encoder struct {
	ID            uint32
	CrtcID        uint32
	PossibleCrtcs uint32
}

type Crtc struct {
	ID        uint32
	FbID      uint32
	X, Y      uint32
	ModeValid bool
	Mode      ModeInfo
	GammaSize int
}

type Plane struct {
	ID            uint32
	CrtcID        uint32
	FbID          uint32
	PossibleCrtcs uint32
	Formats       []uint32
}

// DumbBuffer is a linear driver allocation
type DumbBuffer struct {
	Handle        uint32
	Pitch         uint32
	Size          uint64
	Width, Height uint32
	BPP           uint32
}

// FBRequest is the argument of AddFB2
type FBRequest struct {
	Width, Height uint32
	Format        uint32
	Flags         uint32
	Handles       [4]uint32
	Pitches       [4]uint32
	Offsets       [4]uint32
	Modifier      uint64
}

type VBlankReply struct {
	Sequence uint32
	Sec      int64
	Usec     int64
}

// AtomicRequest collects property writes for one atomic commit
type AtomicRequest []mode.AtomicProperty

// Add queues a property write, replacing an earlier write of the same property.
// A zero property id means the object lacks the property.
func (r *AtomicRequest) Add(objID, propID uint32, value uint64) error {
	if propID == 0 {
		return ErrNoProperty
	}
	for i := range *r {
		if (*r)[i].ObjectID == objID && (*r)[i].PropertyID == propID {
			(*r)[i].Value = value
			return nil
		}
	}
	*r = append(*r, mode.AtomicProperty{ObjectID: objID, PropertyID: propID, Value: value})
	return nil
}

// Find returns the value queued for a property, for inspection in tests and debug dumps
func (r AtomicRequest) Find(objID, propID uint32) (uint64, bool) {
	for _, p := range r {
		if p.ObjectID == objID && p.PropertyID == propID {
			return p.Value, true
		}
	}
	return 0, false
}

// Device is a KMS capable DRM device
type Device interface {
	props.Resolver

	Resources() (*Resources, error)
	Connector(id uint32) (*Connector, error)
	Encoder(id uint32) (*Encoder, error)
	Crtc(id uint32) (*Crtc, error)
	PlaneIDs() ([]uint32, error)
	Plane(id uint32) (*Plane, error)
	ObjectProperties(id, objType uint32) (props.ObjectProperties, error)

	Cap(capability uint64) (uint64, error)
	SetClientCap(capability, value uint64) error

	CreateModeBlob(info *ModeInfo) (uint32, error)
	DestroyBlob(id uint32) error
	Atomic(req AtomicRequest, flags uint32) error

	SetCrtc(crtc, fb, x, y uint32, connectors []uint32, info *ModeInfo) error
	PageFlip(crtc, fb, flags uint32, userData uint64) error
	SetPlane(plane, crtc, fb uint32, dest geom.Rect, src geom.FixedRect) error
	SetCursor(crtc, handle, width, height uint32) error
	MoveCursor(crtc uint32, x, y int32) error
	WaitVBlank(pipeBits, flags, sequence uint32, userData uint64) (VBlankReply, error)
	SetProperty(objID, objType, propID uint32, value uint64) error
	SetGamma(crtc uint32, r, g, b []uint16) error

	CreateDumb(width, height, bpp uint32) (*DumbBuffer, error)
	MapDumb(buf *DumbBuffer) ([]byte, error)
	UnmapDumb(mem []byte) error
	DestroyDumb(handle uint32) error
	AddFB2(req *FBRequest) (uint32, error)
	AddFB(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error)
	RmFB(id uint32) error
	PrimeHandleToFD(handle uint32) (int, error)

	// ReadEvents waits for the kernel to queue events and decodes them
	ReadEvents() ([]Event, error)
	Fd() uintptr
	Close() error
}
