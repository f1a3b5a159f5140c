// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package geom

import "math"

// Transform is an output or buffer transform, numbered like wl_output.transform
type Transform int

const (
	TransformNormal = Transform(iota)
	Transform90
	Transform180
	Transform270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
)

func (t Transform) String() string {
	switch t {
	case TransformNormal:
		return "normal"
	case Transform90:
		return "90"
	case Transform180:
		return "180"
	case Transform270:
		return "270"
	case TransformFlipped:
		return "flipped"
	case TransformFlipped90:
		return "flipped-90"
	case TransformFlipped180:
		return "flipped-180"
	case TransformFlipped270:
		return "flipped-270"
	default:
		return "unknown"
	}
}

// TransformPoint maps a point of a width x height space through t, then scales it
func TransformPoint(width, height float64, t Transform, scale int32, x, y float64) (float64, float64) {
	var bx, by float64
	switch t {
	case TransformFlipped:
		bx, by = width-x, y
	case Transform90:
		bx, by = height-y, x
	case TransformFlipped90:
		bx, by = height-y, width-x
	case Transform180:
		bx, by = width-x, height-y
	case TransformFlipped180:
		bx, by = x, height-y
	case Transform270:
		bx, by = y, width-x
	case TransformFlipped270:
		bx, by = y, x
	default:
		bx, by = x, y
	}
	s := float64(scale)
	return bx * s, by * s
}

// RectF is a float rectangle, used for source coordinates before fixed point conversion
type RectF struct {
	X1, Y1, X2, Y2 float64
}

func (r RectF) Width() float64  { return r.X2 - r.X1 }
func (r RectF) Height() float64 { return r.Y2 - r.Y1 }

// TransformRectF maps both corners of r through t and returns the normalized result
func TransformRectF(width, height float64, t Transform, scale int32, r RectF) RectF {
	x1, y1 := TransformPoint(width, height, t, scale, r.X1, r.Y1)
	x2, y2 := TransformPoint(width, height, t, scale, r.X2, r.Y2)
	return RectF{
		X1: math.Min(x1, x2),
		Y1: math.Min(y1, y2),
		X2: math.Max(x1, x2),
		Y2: math.Max(y1, y2),
	}
}

// TransformRect is the integer variant of TransformRectF
func TransformRect(width, height int32, t Transform, scale int32, r Rect) Rect {
	res := TransformRectF(float64(width), float64(height), t, scale, RectF{
		X1: float64(r.X1),
		Y1: float64(r.Y1),
		X2: float64(r.X2),
		Y2: float64(r.Y2),
	})
	return Rect{
		X1: int32(res.X1),
		Y1: int32(res.Y1),
		X2: int32(res.X2),
		Y2: int32(res.Y2),
	}
}

// FixedRect is a plane source rectangle in 16.16 fixed point
type FixedRect struct {
	X, Y, W, H uint32
}

// ToFixed converts a non-negative value to 16.16 fixed point.
// The conversion goes through 24.8 like the wire protocol does, so sub-pixel
// precision finer than 1/256 is dropped.
func ToFixed(v float64) uint32 {
	if v <= 0 {
		return 0
	}
	return uint32(int32(math.Round(v*256))) << 8
}

// FixedFromInt converts an integer pixel count to 16.16
func FixedFromInt(v uint32) uint32 {
	return v << 16
}

// FixedToFloat converts back, for logging and tests
func FixedToFloat(v uint32) float64 {
	return float64(v) / 65536
}
