// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package device

import (
	"unsafe"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/ioctl"
)

// The mode package doesn't wrap these, so they are built the same way it builds its own

type sysGetCap struct {
	capability uint64
	value      uint64
}

type sysPageFlip struct {
	crtcID   uint32
	fbID     uint32
	flags    uint32
	reserved uint32
	userData uint64
}

type sysCursor struct {
	flags  uint32
	crtcID uint32
	x, y   int32
	width  uint32
	height uint32
	handle uint32
}

const (
	cursorFlagBO   = 0x01
	cursorFlagMove = 0x02
)

// union drm_wait_vblank, the request and reply halves share the layout
type sysWaitVBlank struct {
	typ      uint32
	sequence uint32
	// signal on request, tv_sec on reply
	tvalSec int64
	// tv_usec on reply
	tvalUsec int64
}

type sysObjSetProperty struct {
	value   uint64
	propID  uint32
	objID   uint32
	objType uint32
	_       uint32
}

type sysPrimeHandle struct {
	handle uint32
	flags  uint32
	fd     int32
}

type sysCrtcLut struct {
	crtcID    uint32
	gammaSize uint32
	red       uint64
	green     uint64
	blue      uint64
}

const primeCloexec = 0x80000

var (
	// DRM_IOWR(0x0C, struct drm_get_cap)
	ioctlGetCap = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetCap{})), drm.IOCTLBase, 0x0C)

	// DRM_IOWR(0x2D, struct drm_prime_handle)
	ioctlPrimeHandleToFD = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysPrimeHandle{})), drm.IOCTLBase, 0x2D)

	// DRM_IOWR(0x3A, union drm_wait_vblank)
	ioctlWaitVBlank = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysWaitVBlank{})), drm.IOCTLBase, 0x3A)

	// DRM_IOWR(0xA3, struct drm_mode_cursor)
	ioctlModeCursor = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCursor{})), drm.IOCTLBase, 0xA3)

	// DRM_IOWR(0xA5, struct drm_mode_crtc_lut)
	ioctlModeSetGamma = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtcLut{})), drm.IOCTLBase, 0xA5)

	// DRM_IOWR(0xB0, struct drm_mode_crtc_page_flip)
	ioctlModePageFlip = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysPageFlip{})), drm.IOCTLBase, 0xB0)

	// DRM_IOWR(0xBA, struct drm_mode_obj_set_property)
	ioctlModeObjSetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysObjSetProperty{})), drm.IOCTLBase, 0xBA)
)

func doIoctl(fd, code uintptr, arg unsafe.Pointer) error {
	return ioctl.Do(fd, code, uintptr(arg))
}
