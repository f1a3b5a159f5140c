// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package session gets access to the DRM device and tells when the seat is
// taken away from us or handed back
package session

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Session hands out device fds and reports seat activation changes
type Session interface {
	Open(path string) (*os.File, error)
	// Run reports activation changes until ctx is done. onActive is called
	// from Run's goroutine.
	Run(ctx context.Context, onActive func(active bool)) error
	Close() error
}

// Direct opens devices itself, for running as root or with the device already accessible.
// It never becomes inactive.
type Direct struct{}

func (Direct) Open(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

func (Direct) Run(ctx context.Context, _ func(bool)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (Direct) Close() error { return nil }

func devnum(path string) (uint32, uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return 0, 0, fmt.Errorf("%s is not a character device", path)
	}
	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}
