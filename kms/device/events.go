// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package device

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type EventType uint32

const (
	EventVBlank       = EventType(0x01)
	EventFlipComplete = EventType(0x02)
)

func (t EventType) String() string {
	switch t {
	case EventVBlank:
		return "vblank"
	case EventFlipComplete:
		return "flip-complete"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Event is a decoded drm_event_vblank. Both vblank and page flip events use the layout
type Event struct {
	Type     EventType
	UserData uint64
	Sec      uint32
	Usec     uint32
	Sequence uint32
	// Only filled by kernels with the CRTC_IN_VBLANK_EVENT cap
	CrtcID uint32
}

const (
	eventHeaderSize = 8
	vblankEventSize = 32
)

var ErrShortEvent = errors.New("truncated drm event")

// ParseEvents decodes a buffer read from the DRM fd.
// Events of unknown type are skipped using their length field.
func ParseEvents(buf []byte) ([]Event, error) {
	var events []Event
	for len(buf) > 0 {
		if len(buf) < eventHeaderSize {
			return events, ErrShortEvent
		}
		typ := EventType(binary.LittleEndian.Uint32(buf[0:4]))
		length := int(binary.LittleEndian.Uint32(buf[4:8]))
		if length < eventHeaderSize || length > len(buf) {
			return events, ErrShortEvent
		}
		switch typ {
		case EventVBlank, EventFlipComplete:
			if length < vblankEventSize {
				return events, ErrShortEvent
			}
			events = append(events, Event{
				Type:     typ,
				UserData: binary.LittleEndian.Uint64(buf[8:16]),
				Sec:      binary.LittleEndian.Uint32(buf[16:20]),
				Usec:     binary.LittleEndian.Uint32(buf[20:24]),
				Sequence: binary.LittleEndian.Uint32(buf[24:28]),
				CrtcID:   binary.LittleEndian.Uint32(buf[28:32]),
			})
		}
		buf = buf[length:]
	}
	return events, nil
}

// EncodeEvent is the inverse of ParseEvents for a single event
func EncodeEvent(ev Event) []byte {
	buf := make([]byte, vblankEventSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ev.Type))
	binary.LittleEndian.PutUint32(buf[4:8], vblankEventSize)
	binary.LittleEndian.PutUint64(buf[8:16], ev.UserData)
	binary.LittleEndian.PutUint32(buf[16:20], ev.Sec)
	binary.LittleEndian.PutUint32(buf[20:24], ev.Usec)
	binary.LittleEndian.PutUint32(buf[24:28], ev.Sequence)
	binary.LittleEndian.PutUint32(buf[28:32], ev.CrtcID)
	return buf
}
