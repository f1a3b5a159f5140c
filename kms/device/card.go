// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package device

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/NeowayLabs/drm/mode"
	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/props"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Card is a Device backed by a DRM card node
type Card struct {
	file *os.File
	path string
}

const eventBufferSize = 1024

// OpenCard opens a DRM card node like /dev/dri/card0
func OpenCard(path string) (*Card, error) {
	file, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewCard(file, path), nil
}

// NewCard wraps an already opened card fd, for example one handed out by logind
func NewCard(file *os.File, path string) *Card {
	logrus.WithField("path", path).Debugln("Using DRM card")
	return &Card{file: file, path: path}
}

func (c *Card) Path() string { return c.path }
func (c *Card) Fd() uintptr  { return c.file.Fd() }
func (c *Card) Close() error { return c.file.Close() }

func (c *Card) Resources() (*Resources, error) {
	res, err := mode.GetResources(c.file)
	if err != nil {
		return nil, fmt.Errorf("get resources: %w", err)
	}
	return &Resources{
		MinWidth:   res.MinWidth,
		MaxWidth:   res.MaxWidth,
		MinHeight:  res.MinHeight,
		MaxHeight:  res.MaxHeight,
		Crtcs:      res.Crtcs,
		Connectors: res.Connectors,
		Encoders:   res.Encoders,
	}, nil
}

func (c *Card) Connector(id uint32) (*Connector, error) {
	conn, err := mode.GetConnector(c.file, id)
	if err != nil {
		return nil, fmt.Errorf("get connector %d: %w", id, err)
	}
	return &Connector{
		ID:        conn.ID,
		EncoderID: conn.EncoderID,
		Type:      conn.Type,
		TypeID:    conn.TypeID,
		Connected: conn.Connection == mode.Connected,
		MMWidth:   conn.Width,
		MMHeight:  conn.Height,
		Modes:     conn.Modes,
		Props: props.ObjectProperties{
			IDs:    conn.Props,
			Values: conn.PropValues,
		},
		Encoders: conn.Encoders,
	}, nil
}

func (c *Card) Encoder(id uint32) (*Encoder, error) {
	enc, err := mode.GetEncoder(c.file, id)
	if err != nil {
		return nil, fmt.Errorf("get encoder %d: %w", id, err)
	}
	return &Encoder{ID: enc.ID, CrtcID: enc.CrtcID, PossibleCrtcs: enc.PossibleCrtcs}, nil
}

func (c *Card) Crtc(id uint32) (*Crtc, error) {
	crtc, err := mode.GetCrtc(c.file, id)
	if err != nil {
		return nil, fmt.Errorf("get crtc %d: %w", id, err)
	}
	return &Crtc{
		ID:        crtc.ID,
		FbID:      crtc.BufferID,
		X:         crtc.X,
		Y:         crtc.Y,
		ModeValid: crtc.ModeValid != 0,
		Mode:      crtc.Mode,
		GammaSize: crtc.GammaSize,
	}, nil
}

func (c *Card) PlaneIDs() ([]uint32, error) {
	res, err := mode.GetPlaneResources(c.file)
	if err != nil {
		return nil, fmt.Errorf("get plane resources: %w", err)
	}
	return res.Planes, nil
}

func (c *Card) Plane(id uint32) (*Plane, error) {
	plane, err := mode.GetPlane(c.file, id)
	if err != nil {
		return nil, fmt.Errorf("get plane %d: %w", id, err)
	}
	return &Plane{
		ID:            plane.ID,
		CrtcID:        plane.CrtcID,
		FbID:          plane.FbID,
		PossibleCrtcs: plane.PossibleCrtcs,
		Formats:       plane.FormatTypes,
	}, nil
}

func (c *Card) ObjectProperties(id, objType uint32) (props.ObjectProperties, error) {
	res, err := mode.GetProperties(c.file, id, objType)
	if err != nil {
		return props.ObjectProperties{}, fmt.Errorf("get properties of object %d: %w", id, err)
	}
	return props.ObjectProperties{IDs: res.Props, Values: res.PropValues}, nil
}

// Describe implements props.Resolver
func (c *Card) Describe(id uint32) (*props.Descriptor, error) {
	prop, err := mode.GetProperty(c.file, id)
	if err != nil {
		return nil, fmt.Errorf("get property %d: %w", id, err)
	}
	desc := &props.Descriptor{
		ID:   prop.ID,
		Name: prop.Name,
		Enum: prop.Flags&mode.PropEnum != 0,
	}
	for _, e := range prop.EnumBlobs {
		desc.Enums = append(desc.Enums, props.Enum{Name: e.Name, Value: e.Value, Valid: true})
	}
	return desc, nil
}

func (c *Card) Cap(capability uint64) (uint64, error) {
	req := &sysGetCap{capability: capability}
	if err := doIoctl(c.Fd(), uintptr(ioctlGetCap), unsafe.Pointer(req)); err != nil {
		return 0, fmt.Errorf("get cap %#x: %w", capability, err)
	}
	return req.value, nil
}

func (c *Card) SetClientCap(capability, value uint64) error {
	return mode.SetClientCap(c.file, capability, value)
}

func (c *Card) CreateModeBlob(info *ModeInfo) (uint32, error) {
	return mode.CreateInfoBlob(c.file, *info)
}

func (c *Card) DestroyBlob(id uint32) error {
	return mode.DestroyBlob(c.file, id)
}

func (c *Card) Atomic(req AtomicRequest, flags uint32) error {
	return mode.Atomic(c.file, flags, []mode.AtomicProperty(req))
}

func (c *Card) SetCrtc(crtc, fb, x, y uint32, connectors []uint32, info *ModeInfo) error {
	var first *uint32
	if len(connectors) > 0 {
		first = &connectors[0]
	}
	err := mode.SetCrtc(c.file, crtc, fb, x, y, first, len(connectors), info)
	runtime.KeepAlive(connectors)
	return err
}

func (c *Card) PageFlip(crtc, fb, flags uint32, userData uint64) error {
	req := &sysPageFlip{crtcID: crtc, fbID: fb, flags: flags, userData: userData}
	return doIoctl(c.Fd(), uintptr(ioctlModePageFlip), unsafe.Pointer(req))
}

func (c *Card) SetPlane(plane, crtc, fb uint32, dest geom.Rect, src geom.FixedRect) error {
	// Note the mode package wants the source height before the width
	return mode.SetPlane(c.file, plane, crtc, fb, 0,
		dest.X1, dest.Y1, uint32(dest.Width()), uint32(dest.Height()),
		src.X, src.Y, src.H, src.W)
}

func (c *Card) SetCursor(crtc, handle, width, height uint32) error {
	req := &sysCursor{flags: cursorFlagBO, crtcID: crtc, width: width, height: height, handle: handle}
	return doIoctl(c.Fd(), uintptr(ioctlModeCursor), unsafe.Pointer(req))
}

func (c *Card) MoveCursor(crtc uint32, x, y int32) error {
	req := &sysCursor{flags: cursorFlagMove, crtcID: crtc, x: x, y: y}
	return doIoctl(c.Fd(), uintptr(ioctlModeCursor), unsafe.Pointer(req))
}

func (c *Card) WaitVBlank(pipeBits, flags, sequence uint32, userData uint64) (VBlankReply, error) {
	req := &sysWaitVBlank{typ: flags | pipeBits, sequence: sequence, tvalSec: int64(userData)}
	if err := doIoctl(c.Fd(), uintptr(ioctlWaitVBlank), unsafe.Pointer(req)); err != nil {
		return VBlankReply{}, err
	}
	return VBlankReply{Sequence: req.sequence, Sec: req.tvalSec, Usec: req.tvalUsec}, nil
}

func (c *Card) SetProperty(objID, objType, propID uint32, value uint64) error {
	req := &sysObjSetProperty{value: value, propID: propID, objID: objID, objType: objType}
	return doIoctl(c.Fd(), uintptr(ioctlModeObjSetProperty), unsafe.Pointer(req))
}

func (c *Card) SetGamma(crtc uint32, r, g, b []uint16) error {
	if len(r) == 0 || len(r) != len(g) || len(r) != len(b) {
		return errors.New("gamma ramps must be non-empty and of equal size")
	}
	req := &sysCrtcLut{
		crtcID:    crtc,
		gammaSize: uint32(len(r)),
		red:       uint64(uintptr(unsafe.Pointer(&r[0]))),
		green:     uint64(uintptr(unsafe.Pointer(&g[0]))),
		blue:      uint64(uintptr(unsafe.Pointer(&b[0]))),
	}
	err := doIoctl(c.Fd(), uintptr(ioctlModeSetGamma), unsafe.Pointer(req))
	runtime.KeepAlive(r)
	runtime.KeepAlive(g)
	runtime.KeepAlive(b)
	return err
}

func (c *Card) CreateDumb(width, height, bpp uint32) (*DumbBuffer, error) {
	fb, err := mode.CreateFB(c.file, uint16(width), uint16(height), bpp)
	if err != nil {
		return nil, fmt.Errorf("create dumb %dx%d: %w", width, height, err)
	}
	return &DumbBuffer{
		Handle: fb.Handle,
		Pitch:  fb.Pitch,
		Size:   fb.Size,
		Width:  fb.Width,
		Height: fb.Height,
		BPP:    fb.BPP,
	}, nil
}

func (c *Card) MapDumb(buf *DumbBuffer) ([]byte, error) {
	offset, err := mode.MapDumb(c.file, buf.Handle)
	if err != nil {
		return nil, fmt.Errorf("map dumb: %w", err)
	}
	mem, err := unix.Mmap(int(c.Fd()), int64(offset), int(buf.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap dumb: %w", err)
	}
	return mem, nil
}

func (c *Card) UnmapDumb(mem []byte) error {
	return unix.Munmap(mem)
}

func (c *Card) DestroyDumb(handle uint32) error {
	return mode.DestroyDumb(c.file, handle)
}

func (c *Card) AddFB2(req *FBRequest) (uint32, error) {
	modifiers := []uint64{req.Modifier, req.Modifier, req.Modifier, req.Modifier}
	return mode.AddFB2(c.file, uint16(req.Width), uint16(req.Height), req.Format, req.Flags,
		req.Pitches[:], req.Offsets[:], req.Handles[:], modifiers)
}

func (c *Card) AddFB(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	return mode.AddFB(c.file, uint16(width), uint16(height), depth, bpp, pitch, handle)
}

func (c *Card) RmFB(id uint32) error {
	return mode.RmFB(c.file, id)
}

func (c *Card) PrimeHandleToFD(handle uint32) (int, error) {
	req := &sysPrimeHandle{handle: handle, flags: primeCloexec, fd: -1}
	if err := doIoctl(c.Fd(), uintptr(ioctlPrimeHandleToFD), unsafe.Pointer(req)); err != nil {
		return -1, fmt.Errorf("prime handle to fd: %w", err)
	}
	return int(req.fd), nil
}

// ReadEvents blocks until the kernel has at least one event queued, then decodes them
func (c *Card) ReadEvents() ([]Event, error) {
	buf := make([]byte, eventBufferSize)
	for {
		n, err := unix.Read(int(c.Fd()), buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read drm events: %w", err)
		}
		return ParseEvents(buf[:n])
	}
}
