// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package geom

// Region is a union of rectangles.
// The rects are not coalesced, so a region built from many small rects stays
// many small rects. Good enough for the handful of views per output a repaint sees.
type Region struct {
	rects []Rect
}

// RegionFromRect creates a region covering exactly one rect
func RegionFromRect(r Rect) Region {
	var reg Region
	reg.Add(r)
	return reg
}

// Add unions the given rect into the region
func (g *Region) Add(r Rect) {
	if r.Empty() {
		return
	}
	g.rects = append(g.rects, r)
}

// Union adds every rect of another region
func (g *Region) Union(o Region) {
	for _, r := range o.rects {
		g.Add(r)
	}
}

// Copy returns a region that shares no storage with g
func (g Region) Copy() Region {
	return Region{rects: g.Rects()}
}

func (g *Region) Clear() {
	g.rects = nil
}

func (g Region) Empty() bool {
	return len(g.rects) == 0
}

// Rects returns a copy of the rects making up the region
func (g Region) Rects() []Rect {
	out := make([]Rect, len(g.rects))
	copy(out, g.rects)
	return out
}

// Extents is the bounding box of the whole region
func (g Region) Extents() Rect {
	var ext Rect
	for _, r := range g.rects {
		ext = ext.Bounds(r)
	}
	return ext
}

// Overlaps reports whether any part of the region intersects r
func (g Region) Overlaps(r Rect) bool {
	for _, own := range g.rects {
		if own.Overlaps(r) {
			return true
		}
	}
	return false
}

// Covers reports whether every pixel of r is inside the region
func (g Region) Covers(r Rect) bool {
	if r.Empty() {
		return true
	}
	remaining := []Rect{r}
	for _, own := range g.rects {
		next := remaining[:0:0]
		for _, piece := range remaining {
			next = append(next, piece.subtract(own)...)
		}
		remaining = next
		if len(remaining) == 0 {
			return true
		}
	}
	return false
}

// Intersect returns the part of the region inside r
func (g Region) Intersect(r Rect) Region {
	var out Region
	for _, own := range g.rects {
		out.Add(own.Intersect(r))
	}
	return out
}

// Contains reports whether every pixel of o is inside g
func (g Region) Contains(o Region) bool {
	for _, r := range o.rects {
		if !g.Covers(r) {
			return false
		}
	}
	return true
}
