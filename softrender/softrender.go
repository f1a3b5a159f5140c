// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package softrender paints outputs on the CPU, straight into the mapped
// dumb buffer the backend hands out through Output.RenderTarget
package softrender

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/way2gay-kms/backend"
	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/format"
	"github.com/mstarongithub/way2gay-kms/scene"
)

var ErrNoTarget = errors.New("output has no mapped render target")

// Renderer fills damage with a background colour and blends the shm views
// left on the primary plane over it
type Renderer struct {
	// 0xRRGGBB
	Background uint32
	views      map[*backend.Output][]*scene.View
	log        *logrus.Entry
}

func New(background uint32) *Renderer {
	return &Renderer{
		Background: background,
		views:      map[*backend.Output][]*scene.View{},
		log:        logrus.WithField("component", "softrender"),
	}
}

// SetViews gives the views of the next repaint of out, top to bottom like
// the backend takes them
func (r *Renderer) SetViews(out *backend.Output, views []*scene.View) {
	r.views[out] = views
}

func (r *Renderer) InitOutput(out *backend.Output) error {
	switch f := out.Format(); f.Format {
	case format.XRGB8888, format.RGB565:
		return nil
	default:
		return fmt.Errorf("%w: %s", backend.ErrUnsupportedFormat, f.Name)
	}
}

func (r *Renderer) FiniOutput(out *backend.Output) {
	delete(r.views, out)
}

// RepaintOutput implements backend.Renderer. damage is in global coordinates.
func (r *Renderer) RepaintOutput(out *backend.Output, damage geom.Region) error {
	fb := out.RenderTarget()
	if fb == nil || len(fb.Mem) == 0 {
		return ErrNoTarget
	}
	t := target{fb: fb, bpp: int(fb.Format.BPP / 8)}
	ox, oy := out.Position()
	w, h := out.Size()
	scale := out.Scale()
	plain := out.Transform() == geom.TransformNormal && scale == 1
	bounds := geom.NewRect(0, 0, int32(fb.Width), int32(fb.Height))

	for _, rect := range damage.Rects() {
		local := rect.Translate(-ox, -oy)
		buf := geom.TransformRect(w, h, out.Transform(), scale, local).Intersect(bounds)
		if buf.Empty() {
			continue
		}
		t.fill(buf, r.Background)
		if !plain {
			continue
		}
		views := r.views[out]
		for i := len(views) - 1; i >= 0; i-- {
			r.blit(t, views[i], ox, oy, buf)
		}
	}
	return nil
}

// Copies the part of v inside clip, clip is in buffer coordinates
func (r *Renderer) blit(t target, v *scene.View, ox, oy int32, clip geom.Rect) {
	if v.Plane != scene.PlanePrimary || v.Transformed || v.Surface == nil {
		return
	}
	s := v.Surface
	buf := s.Buffer
	if buf == nil || buf.Type != scene.BufferSHM || s.BufferScale != 1 || s.BufferTransform != geom.TransformNormal {
		return
	}
	hasAlpha := buf.Format == format.ARGB8888
	if !hasAlpha && buf.Format != format.XRGB8888 {
		r.log.WithField("format", format.Name(buf.Format)).Debugln("Can't composite buffer format")
		return
	}
	area := v.BoundingBox().Translate(-ox, -oy).Intersect(clip)
	if area.Empty() {
		return
	}
	vx, vy := int32(v.X)-ox, int32(v.Y)-oy
	for y := area.Y1; y < area.Y2; y++ {
		sy := y - vy
		if sy >= buf.Height {
			break
		}
		row := int(sy * buf.Stride)
		for x := area.X1; x < area.X2; x++ {
			sx := x - vx
			if sx >= buf.Width {
				break
			}
			off := row + int(sx)*4
			if off+4 > len(buf.Data) {
				return
			}
			src := binary.LittleEndian.Uint32(buf.Data[off:])
			a := uint32(0xff)
			if hasAlpha {
				a = src >> 24
			}
			if v.Alpha < 1 {
				a = uint32(float32(a) * v.Alpha)
				src = scaleRGB(src, v.Alpha)
			}
			switch a {
			case 0:
			case 0xff:
				t.set(x, y, src)
			default:
				t.set(x, y, over(src, t.get(x, y), a))
			}
		}
	}
}

// Premultiplied source over an opaque destination
func over(src, dst, a uint32) uint32 {
	inv := 0xff - a
	var out uint32
	for shift := uint(0); shift < 24; shift += 8 {
		s := (src >> shift) & 0xff
		d := (dst >> shift) & 0xff
		c := s + (d*inv+0x7f)/0xff
		if c > 0xff {
			c = 0xff
		}
		out |= c << shift
	}
	return out
}

func scaleRGB(px uint32, f float32) uint32 {
	var out uint32
	for shift := uint(0); shift < 24; shift += 8 {
		out |= uint32(float32((px>>shift)&0xff)*f) << shift
	}
	return out
}

type target struct {
	fb  *backend.Framebuffer
	bpp int
}

func (t target) offset(x, y int32) int {
	return int(y)*int(t.fb.Stride) + int(x)*t.bpp
}

// set writes an xrgb8888 pixel
func (t target) set(x, y int32, px uint32) {
	off := t.offset(x, y)
	if t.bpp == 2 {
		binary.LittleEndian.PutUint16(t.fb.Mem[off:], to565(px))
		return
	}
	binary.LittleEndian.PutUint32(t.fb.Mem[off:], px&0xffffff)
}

// get reads a pixel as xrgb8888
func (t target) get(x, y int32) uint32 {
	off := t.offset(x, y)
	if t.bpp == 2 {
		return from565(binary.LittleEndian.Uint16(t.fb.Mem[off:]))
	}
	return binary.LittleEndian.Uint32(t.fb.Mem[off:]) & 0xffffff
}

func (t target) fill(r geom.Rect, px uint32) {
	for y := r.Y1; y < r.Y2; y++ {
		for x := r.X1; x < r.X2; x++ {
			t.set(x, y, px)
		}
	}
}

func to565(px uint32) uint16 {
	r := (px >> 19) & 0x1f
	g := (px >> 10) & 0x3f
	b := (px >> 3) & 0x1f
	return uint16(r<<11 | g<<5 | b)
}

func from565(px uint16) uint32 {
	r := uint32(px>>11) & 0x1f
	g := uint32(px>>5) & 0x3f
	b := uint32(px) & 0x1f
	return (r<<3|r>>2)<<16 | (g<<2|g>>4)<<8 | (b<<3 | b>>2)
}
