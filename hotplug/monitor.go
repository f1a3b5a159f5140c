// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package hotplug

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Multicast group the kernel sends uevents to
const kernelGroup = 1

// Monitor receives hotplug uevents for one DRM card
type Monitor struct {
	fd           int
	major, minor uint32
	log          *logrus.Entry
}

// Devnum returns the device number of an opened device node
func Devnum(f *os.File) (major, minor uint32, err error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}

// NewMonitor opens a kernel uevent socket filtering for the card with the given device number
func NewMonitor(major, minor uint32) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("failed to open uevent socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelGroup, Pid: 0}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind uevent socket: %w", err)
	}
	return &Monitor{
		fd:    fd,
		major: major,
		minor: minor,
		log: logrus.WithFields(logrus.Fields{
			"component": "hotplug",
			"device":    fmt.Sprintf("%d:%d", major, minor),
		}),
	}, nil
}

// Fd can be polled for readability
func (m *Monitor) Fd() int { return m.fd }

// Read receives pending uevents without blocking and returns the hotplug ones
// for our card
func (m *Monitor) Read() ([]Uevent, error) {
	var out []Uevent
	buf := make([]byte, 8192)
	for {
		n, _, err := unix.Recvfrom(m.fd, buf, unix.MSG_DONTWAIT)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return out, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("uevent receive failed: %w", err)
		}
		ev, err := ParseUevent(buf[:n])
		if err != nil {
			m.log.WithError(err).Debugln("Ignoring uevent")
			continue
		}
		if ev.IsDRMHotplug(m.major, m.minor) {
			m.log.WithField("devpath", ev.DevPath).Debugln("Hotplug uevent")
			out = append(out, ev)
		}
	}
}

// Run blocks reading uevents and calls onHotplug for every matching one until
// ctx is done
func (m *Monitor) Run(ctx context.Context, onHotplug func(Uevent)) error {
	fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, 250)
		if errors.Is(err, unix.EINTR) || n == 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("uevent poll failed: %w", err)
		}
		evs, err := m.Read()
		for _, ev := range evs {
			onHotplug(ev)
		}
		if err != nil {
			return err
		}
	}
}

func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}
