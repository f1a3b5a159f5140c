// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package format knows the DRM fourcc pixel formats the backend deals with
package format

import "fmt"

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	XRGB8888    = fourcc('X', 'R', '2', '4')
	ARGB8888    = fourcc('A', 'R', '2', '4')
	XBGR8888    = fourcc('X', 'B', '2', '4')
	ABGR8888    = fourcc('A', 'B', '2', '4')
	RGB565      = fourcc('R', 'G', '1', '6')
	XRGB2101010 = fourcc('X', 'R', '3', '0')
	ARGB2101010 = fourcc('A', 'R', '3', '0')
)

// Info describes one pixel format
type Info struct {
	Format uint32
	// Depth and BPP for the legacy AddFB call. Zero if it can't express the format
	Depth, BPP uint8
	// The format without alpha, 0 if the format has no alpha channel
	Opaque uint32
	Name   string
}

var table = []Info{
	{Format: XRGB8888, Depth: 24, BPP: 32, Name: "xrgb8888"},
	{Format: ARGB8888, Depth: 32, BPP: 32, Opaque: XRGB8888, Name: "argb8888"},
	{Format: XBGR8888, BPP: 32, Name: "xbgr8888"},
	{Format: ABGR8888, BPP: 32, Opaque: XBGR8888, Name: "abgr8888"},
	{Format: RGB565, Depth: 16, BPP: 16, Name: "rgb565"},
	{Format: XRGB2101010, Depth: 30, BPP: 32, Name: "xrgb2101010"},
	{Format: ARGB2101010, Depth: 30, BPP: 32, Opaque: XRGB2101010, Name: "argb2101010"},
}

// Lookup finds the info for a fourcc, nil if unknown
func Lookup(f uint32) *Info {
	for i := range table {
		if table[i].Format == f {
			return &table[i]
		}
	}
	return nil
}

// LookupName finds the info by lowercase name like "xrgb8888"
func LookupName(name string) *Info {
	for i := range table {
		if table[i].Name == name {
			return &table[i]
		}
	}
	return nil
}

// Name renders a fourcc for logging, even unknown ones
func Name(f uint32) string {
	if info := Lookup(f); info != nil {
		return info.Name
	}
	return fmt.Sprintf("%c%c%c%c", byte(f), byte(f>>8), byte(f>>16), byte(f>>24))
}

// LegacyCapable reports whether AddFB (no fourcc) can register this format
func (i *Info) LegacyCapable() bool {
	return i.Depth != 0 && i.BPP != 0
}
