// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package hotplug listens for kernel uevents announcing connector changes on a DRM card
package hotplug

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMalformed = errors.New("malformed uevent")

// Uevent is one kernel object event
type Uevent struct {
	Action    string
	DevPath   string
	Subsystem string
	Env       map[string]string
}

// ParseUevent decodes an "action@devpath\0KEY=value\0..." datagram.
// udev's own "libudev" framed messages are rejected, only raw kernel ones are read.
func ParseUevent(buf []byte) (Uevent, error) {
	fields := bytes.Split(bytes.TrimRight(buf, "\x00"), []byte{0})
	if len(fields) == 0 || len(fields[0]) == 0 {
		return Uevent{}, ErrMalformed
	}
	head := string(fields[0])
	action, devpath, ok := strings.Cut(head, "@")
	if !ok || action == "" || devpath == "" {
		return Uevent{}, fmt.Errorf("%w: header %q", ErrMalformed, head)
	}
	ev := Uevent{Action: action, DevPath: devpath, Env: map[string]string{}}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(string(f), "=")
		if !ok {
			continue
		}
		ev.Env[k] = v
	}
	ev.Subsystem = ev.Env["SUBSYSTEM"]
	return ev, nil
}

// Devnum returns the device number of the event's device node, if it has one
func (ev Uevent) Devnum() (major, minor uint32, ok bool) {
	ma, err := strconv.ParseUint(ev.Env["MAJOR"], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	mi, err := strconv.ParseUint(ev.Env["MINOR"], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(ma), uint32(mi), true
}

// IsDRMHotplug reports whether ev is a connector change on the card with the
// given device number
func (ev Uevent) IsDRMHotplug(major, minor uint32) bool {
	if ev.Subsystem != "drm" || ev.Env["HOTPLUG"] != "1" {
		return false
	}
	ma, mi, ok := ev.Devnum()
	return ok && ma == major && mi == minor
}
