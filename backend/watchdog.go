// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"os"
)

var osExit = os.Exit

// armWatchdog starts the page flip timeout of out, if enabled
func (out *Output) armWatchdog() {
	b := out.b
	if b.opts.PageflipTimeout <= 0 || out.virtual {
		return
	}
	out.stopWatchdog()
	serial := out.serial
	var t Stopper
	t = b.timer(b.opts.PageflipTimeout, func() {
		// Timers fire on their own goroutine, the check runs on the loop
		b.post(func() { b.watchdogExpired(serial, t) })
	})
	out.watchdog = t
}

func (out *Output) stopWatchdog() {
	if out.watchdog == nil {
		return
	}
	out.watchdog.Stop()
	out.watchdog = nil
}

func (b *Backend) watchdogExpired(serial uint32, t Stopper) {
	out := b.outputBySerial(serial)
	// Stopped or rearmed since
	if out == nil || out.watchdog != t || !out.Busy() {
		return
	}
	b.log.WithField("output", out.Name).
		WithField("timeout", b.opts.PageflipTimeout).
		Errorln("Pageflip timeout reached, your kernel is probably buggy")
	b.exit(ExitPageflipTimeout)
}
