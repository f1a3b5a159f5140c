// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package geom holds the small amount of 2D maths the display backend needs:
// integer rectangles, unions of rectangles, output transforms and the 16.16
// fixed point format used by plane source rectangles.
package geom

// Rect is a half-open integer rectangle, [X1, X2) x [Y1, Y2)
type Rect struct {
	X1, Y1, X2, Y2 int32
}

// NewRect builds a rect from position and size
func NewRect(x, y, width, height int32) Rect {
	return Rect{X1: x, Y1: y, X2: x + width, Y2: y + height}
}

func (r Rect) Width() int32  { return r.X2 - r.X1 }
func (r Rect) Height() int32 { return r.Y2 - r.Y1 }

// Empty reports whether the rect covers no pixels
func (r Rect) Empty() bool {
	return r.X2 <= r.X1 || r.Y2 <= r.Y1
}

// Intersect returns the overlap of both rects, or the zero rect if they don't overlap
func (r Rect) Intersect(o Rect) Rect {
	res := Rect{
		X1: max(r.X1, o.X1),
		Y1: max(r.Y1, o.Y1),
		X2: min(r.X2, o.X2),
		Y2: min(r.Y2, o.Y2),
	}
	if res.Empty() {
		return Rect{}
	}
	return res
}

// Overlaps reports whether both rects share at least one pixel
func (r Rect) Overlaps(o Rect) bool {
	return !r.Intersect(o).Empty()
}

// Bounds returns the smallest rect containing both rects
func (r Rect) Bounds(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return Rect{
		X1: min(r.X1, o.X1),
		Y1: min(r.Y1, o.Y1),
		X2: max(r.X2, o.X2),
		Y2: max(r.Y2, o.Y2),
	}
}

// Contains reports whether o lies completely inside r
func (r Rect) Contains(o Rect) bool {
	if o.Empty() {
		return true
	}
	return o.X1 >= r.X1 && o.Y1 >= r.Y1 && o.X2 <= r.X2 && o.Y2 <= r.Y2
}

func (r Rect) Translate(dx, dy int32) Rect {
	return Rect{X1: r.X1 + dx, Y1: r.Y1 + dy, X2: r.X2 + dx, Y2: r.Y2 + dy}
}

// subtract cuts o out of r, returning up to four disjoint pieces
func (r Rect) subtract(o Rect) []Rect {
	cut := r.Intersect(o)
	if cut.Empty() {
		return []Rect{r}
	}
	pieces := make([]Rect, 0, 4)
	// Band above the cut
	if cut.Y1 > r.Y1 {
		pieces = append(pieces, Rect{r.X1, r.Y1, r.X2, cut.Y1})
	}
	// Band below the cut
	if cut.Y2 < r.Y2 {
		pieces = append(pieces, Rect{r.X1, cut.Y2, r.X2, r.Y2})
	}
	// Left and right of the cut, inside the cut's rows
	if cut.X1 > r.X1 {
		pieces = append(pieces, Rect{r.X1, cut.Y1, cut.X1, cut.Y2})
	}
	if cut.X2 < r.X2 {
		pieces = append(pieces, Rect{cut.X2, cut.Y1, r.X2, cut.Y2})
	}
	return pieces
}
