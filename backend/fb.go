// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"fmt"

	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/kms/format"
	"github.com/mstarongithub/way2gay-kms/scene"
)

type FBKind int

const (
	// Imported client buffer
	FBClient = FBKind(iota)
	// CPU mapped buffer the software renderer paints into
	FBDumb
	// Buffer of a renderer owned surface, handed back to it once unused
	FBGBMSurface
	FBCursor
)

func (k FBKind) String() string {
	switch k {
	case FBClient:
		return "client"
	case FBDumb:
		return "dumb"
	case FBGBMSurface:
		return "surface"
	case FBCursor:
		return "cursor"
	default:
		return "unknown"
	}
}

// Framebuffer is a buffer registered with KMS, reference counted.
// Plane states hold one reference each.
type Framebuffer struct {
	Kind          FBKind
	ID            uint32
	Handle        uint32
	Stride        uint32
	Size          uint64
	Width, Height uint32
	Format        *format.Info
	Modifier      uint64
	// Mapped memory, dumb and cursor buffers only
	Mem []byte
	// Client buffer kept alive while this is on screen
	Buffer *scene.Buffer

	refs  int
	bo    BufferObject
	dumb  *device.DumbBuffer
	owner *Output
	b     *Backend
}

// Refs is the current reference count
func (fb *Framebuffer) Refs() int { return fb.refs }

// Ref takes another reference and returns fb for chaining
func (fb *Framebuffer) Ref() *Framebuffer {
	fb.refs++
	return fb
}

// Unref drops a reference. Unref on nil is a no-op.
// The last reference removes the hardware framebuffer before the backing
// storage goes away.
func (fb *Framebuffer) Unref() {
	if fb == nil {
		return
	}
	if fb.refs <= 0 {
		panic(fmt.Sprintf("framebuffer %d unreferenced too often", fb.ID))
	}
	fb.refs--
	if fb.refs > 0 {
		return
	}

	switch fb.Kind {
	case FBDumb, FBCursor:
		fb.destroyDumb()
	case FBClient:
		delete(fb.b.fbs, fb.bo)
		fb.rmfb()
		fb.bo.Release()
	case FBGBMSurface:
		// The fb stays registered with the buffer, the renderer is free to
		// hand the same buffer out again
		if cur, ok := fb.b.fbs[fb.bo]; !ok || cur != fb {
			fb.rmfb()
		}
		fb.bo.Release()
	}
	fb.Buffer = nil
}

func (fb *Framebuffer) rmfb() {
	if fb.ID == 0 {
		return
	}
	if err := fb.b.dev.RmFB(fb.ID); err != nil {
		fb.b.log.WithError(err).WithField("fb", fb.ID).Warnln("Failed to remove framebuffer")
	}
	fb.ID = 0
}

func (fb *Framebuffer) destroyDumb() {
	fb.rmfb()
	if fb.Mem != nil {
		if err := fb.b.dev.UnmapDumb(fb.Mem); err != nil {
			fb.b.log.WithError(err).Warnln("Failed to unmap dumb buffer")
		}
		fb.Mem = nil
	}
	if err := fb.b.dev.DestroyDumb(fb.Handle); err != nil {
		fb.b.log.WithError(err).WithField("handle", fb.Handle).Warnln("Failed to destroy dumb buffer")
	}
}

func (b *Backend) addFB(fb *Framebuffer) error {
	req := &device.FBRequest{
		Width:    fb.Width,
		Height:   fb.Height,
		Format:   fb.Format.Format,
		Modifier: fb.Modifier,
	}
	req.Handles[0] = fb.Handle
	req.Pitches[0] = fb.Stride

	id, err := b.dev.AddFB2(req)
	if err != nil && fb.Format.LegacyCapable() {
		id, err = b.dev.AddFB(fb.Width, fb.Height, fb.Format.Depth, fb.Format.BPP, fb.Stride, fb.Handle)
	}
	if err != nil {
		return fmt.Errorf("failed to create kms fb: %w", err)
	}
	fb.ID = id
	return nil
}

// CreateDumb allocates, registers and maps a CPU accessible framebuffer
func (b *Backend) CreateDumb(width, height, fourcc uint32) (*Framebuffer, error) {
	return b.createDumb(width, height, fourcc, FBDumb)
}

func (b *Backend) createDumb(width, height, fourcc uint32, kind FBKind) (*Framebuffer, error) {
	info := format.Lookup(fourcc)
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format.Name(fourcc))
	}
	if !info.LegacyCapable() {
		return nil, fmt.Errorf("%w: %s is not usable for dumb buffers", ErrUnsupportedFormat, info.Name)
	}

	dumb, err := b.dev.CreateDumb(width, height, uint32(info.BPP))
	if err != nil {
		return nil, fmt.Errorf("failed to create dumb buffer: %w", err)
	}
	fb := &Framebuffer{
		Kind:   kind,
		Handle: dumb.Handle,
		Stride: dumb.Pitch,
		Size:   dumb.Size,
		Width:  width,
		Height: height,
		Format: info,
		refs:   1,
		dumb:   dumb,
		b:      b,
	}
	if err := b.addFB(fb); err != nil {
		_ = b.dev.DestroyDumb(dumb.Handle)
		return nil, err
	}
	mem, err := b.dev.MapDumb(dumb)
	if err != nil {
		fb.rmfb()
		_ = b.dev.DestroyDumb(dumb.Handle)
		return nil, fmt.Errorf("failed to map dumb buffer: %w", err)
	}
	fb.Mem = mem
	return fb, nil
}

// GetFromBO registers bo as a framebuffer, or takes another reference on the
// framebuffer already registered for it. fourcc 0 means the format of bo.
func (b *Backend) GetFromBO(bo BufferObject, fourcc uint32, kind FBKind) (*Framebuffer, error) {
	if fb, ok := b.fbs[bo]; ok {
		if fb.Kind != kind {
			return nil, fmt.Errorf("buffer already registered as a %s framebuffer", fb.Kind)
		}
		// The framebuffer holds the import reference of the buffer already
		if kind == FBClient {
			bo.Release()
		}
		return fb.Ref(), nil
	}

	if fourcc == 0 {
		fourcc = bo.Format()
	}
	info := format.Lookup(fourcc)
	if info == nil {
		return nil, fmt.Errorf("%w: couldn't look up format %s", ErrUnsupportedFormat, format.Name(fourcc))
	}

	fb := &Framebuffer{
		Kind:     kind,
		Handle:   bo.Handle(),
		Stride:   bo.Stride(),
		Width:    bo.Width(),
		Height:   bo.Height(),
		Format:   info,
		Modifier: bo.Modifier(),
		refs:     1,
		bo:       bo,
		b:        b,
	}
	fb.Size = uint64(fb.Stride) * uint64(fb.Height)

	if b.minW > fb.Width || fb.Width > b.maxW || b.minH > fb.Height || fb.Height > b.maxH {
		return nil, fmt.Errorf("%w: %dx%d", ErrBufferOutOfBounds, fb.Width, fb.Height)
	}
	if err := b.addFB(fb); err != nil {
		return nil, err
	}
	b.fbs[bo] = fb
	return fb, nil
}

// Framebuffers of a renderer surface stay registered while unused, drop them
// once the surface itself goes away
func (b *Backend) forgetSurfaceFBs(out *Output) {
	for bo, fb := range b.fbs {
		if fb.Kind != FBGBMSurface || fb.owner != out {
			continue
		}
		delete(b.fbs, bo)
		if fb.refs == 0 {
			fb.rmfb()
		}
	}
}
