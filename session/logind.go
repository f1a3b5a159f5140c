// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	login1Dest          = "org.freedesktop.login1"
	login1Path          = "/org/freedesktop/login1"
	login1Manager       = login1Dest + ".Manager"
	login1Session       = login1Dest + ".Session"
	propertiesInterface = "org.freedesktop.DBus.Properties"
)

var ErrNoSession = errors.New("no logind session for this process")

// Only Call is needed, *dbus.Object satisfies it
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

type devID struct{ major, minor uint32 }

// Logind takes control of our logind session and gets devices through TakeDevice
type Logind struct {
	conn    *dbus.Conn
	path    dbus.ObjectPath
	session caller
	log     *logrus.Entry
	signals chan *dbus.Signal

	devices map[devID]bool
	active  bool
}

// NewLogind finds the session of this process and takes control of it
func NewLogind() (*Logind, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the system bus: %w", err)
	}
	path, err := findSession(conn.Object(login1Dest, login1Path))
	if err != nil {
		return nil, err
	}
	l := newLogind(conn.Object(login1Dest, path), path)
	l.conn = conn

	if err := l.session.Call(login1Session+".TakeControl", 0, false).Err; err != nil {
		return nil, fmt.Errorf("failed to take control of session %s: %w", path, err)
	}

	for _, member := range []string{"PauseDevice", "ResumeDevice"} {
		err := conn.BusObject().AddMatchSignal(login1Session, member, dbus.WithMatchObjectPath(path)).Err
		if err != nil {
			l.release()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", member, err)
		}
	}
	err = conn.BusObject().AddMatchSignal(propertiesInterface, "PropertiesChanged", dbus.WithMatchObjectPath(path)).Err
	if err != nil {
		l.release()
		return nil, fmt.Errorf("failed to subscribe to session properties: %w", err)
	}
	conn.Signal(l.signals)
	l.log.Infoln("Took control of logind session")
	return l, nil
}

func newLogind(session caller, path dbus.ObjectPath) *Logind {
	return &Logind{
		path:    path,
		session: session,
		log:     logrus.WithFields(logrus.Fields{"component": "session", "session": string(path)}),
		signals: make(chan *dbus.Signal, 16),
		devices: map[devID]bool{},
		active:  true,
	}
}

func findSession(manager caller) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	if id := os.Getenv("XDG_SESSION_ID"); id != "" {
		if err := manager.Call(login1Manager+".GetSession", 0, id).Store(&path); err == nil {
			return path, nil
		}
	}
	if err := manager.Call(login1Manager+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&path); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	return path, nil
}

// Open asks logind for the device node at path
func (l *Logind) Open(path string) (*os.File, error) {
	major, minor, err := devnum(path)
	if err != nil {
		return nil, err
	}
	var fd dbus.UnixFD
	var inactive bool
	err = l.session.Call(login1Session+".TakeDevice", 0, major, minor).Store(&fd, &inactive)
	if err != nil {
		return nil, fmt.Errorf("TakeDevice %s failed: %w", path, err)
	}
	l.devices[devID{major, minor}] = true
	if inactive {
		l.active = false
	}
	// The fd arrives without close-on-exec
	unix.CloseOnExec(int(fd))
	return os.NewFile(uintptr(fd), path), nil
}

// Run reports PauseDevice and ResumeDevice of our devices as activation changes
func (l *Logind) Run(ctx context.Context, onActive func(bool)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-l.signals:
			if !ok {
				return errors.New("system bus connection closed")
			}
			if active, changed := l.handleSignal(sig); changed {
				onActive(active)
			}
		}
	}
}

// Returns the new activation state and whether it changed
func (l *Logind) handleSignal(sig *dbus.Signal) (bool, bool) {
	if sig.Path != l.path {
		return l.active, false
	}
	switch sig.Name {
	case login1Session + ".PauseDevice":
		var major, minor uint32
		var kind string
		if err := dbus.Store(sig.Body, &major, &minor, &kind); err != nil {
			l.log.WithError(err).Warnln("Malformed PauseDevice")
			return l.active, false
		}
		if !l.devices[devID{major, minor}] {
			return l.active, false
		}
		// "force" and "gone" need no answer, the device is already taken away
		if kind == "pause" {
			if err := l.session.Call(login1Session+".PauseDeviceComplete", 0, major, minor).Err; err != nil {
				l.log.WithError(err).Warnln("PauseDeviceComplete failed")
			}
		}
		l.log.WithFields(logrus.Fields{"device": devString(major, minor), "type": kind}).Infoln("Device paused")
		return l.setActive(false)
	case login1Session + ".ResumeDevice":
		var major, minor uint32
		var fd dbus.UnixFD
		if err := dbus.Store(sig.Body, &major, &minor, &fd); err != nil {
			l.log.WithError(err).Warnln("Malformed ResumeDevice")
			return l.active, false
		}
		if !l.devices[devID{major, minor}] {
			return l.active, false
		}
		// logind makes the fd we already hold master again, the new one isn't needed
		if fd > 0 {
			unix.Close(int(fd))
		}
		l.log.WithField("device", devString(major, minor)).Infoln("Device resumed")
		return l.setActive(true)
	case propertiesInterface + ".PropertiesChanged":
		var iface string
		var changed map[string]dbus.Variant
		var invalidated []string
		if err := dbus.Store(sig.Body, &iface, &changed, &invalidated); err != nil || iface != login1Session {
			return l.active, false
		}
		v, ok := changed["Active"]
		if !ok {
			return l.active, false
		}
		active, ok := v.Value().(bool)
		if !ok {
			return l.active, false
		}
		return l.setActive(active)
	}
	return l.active, false
}

func (l *Logind) setActive(active bool) (bool, bool) {
	if l.active == active {
		return active, false
	}
	l.active = active
	return active, true
}

// Active reports the last known activation state
func (l *Logind) Active() bool { return l.active }

// Close gives every device back and releases control of the session
func (l *Logind) Close() error {
	if l.conn != nil {
		l.conn.RemoveSignal(l.signals)
	}
	return l.release()
}

func (l *Logind) release() error {
	var errs []error
	for id := range l.devices {
		if err := l.session.Call(login1Session+".ReleaseDevice", 0, id.major, id.minor).Err; err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", devString(id.major, id.minor), err))
		}
		delete(l.devices, id)
	}
	if err := l.session.Call(login1Session+".ReleaseControl", 0).Err; err != nil {
		errs = append(errs, fmt.Errorf("release control: %w", err))
	}
	return errors.Join(errs...)
}

func devString(major, minor uint32) string {
	return strconv.FormatUint(uint64(major), 10) + ":" + strconv.FormatUint(uint64(minor), 10)
}
