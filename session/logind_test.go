package session

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	calls []string
	args  [][]interface{}
	reply map[string][]interface{}
	fail  map[string]error
}

func (f *fakeSession) Call(method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	f.calls = append(f.calls, method)
	f.args = append(f.args, args)
	return &dbus.Call{Body: f.reply[method], Err: f.fail[method]}
}

const testPath = dbus.ObjectPath("/org/freedesktop/login1/session/_31")

func testLogind() (*Logind, *fakeSession) {
	f := &fakeSession{reply: map[string][]interface{}{}, fail: map[string]error{}}
	l := newLogind(f, testPath)
	l.devices[devID{226, 0}] = true
	return l, f
}

func signal(name string, body ...interface{}) *dbus.Signal {
	return &dbus.Signal{Path: testPath, Name: name, Body: body}
}

func TestPauseResume(t *testing.T) {
	l, f := testLogind()

	active, changed := l.handleSignal(signal(login1Session+".PauseDevice", uint32(226), uint32(0), "pause"))
	assert.True(t, changed)
	assert.False(t, active)
	require.Equal(t, []string{login1Session + ".PauseDeviceComplete"}, f.calls)
	assert.Equal(t, []interface{}{uint32(226), uint32(0)}, f.args[0])

	// Already paused
	_, changed = l.handleSignal(signal(login1Session+".PauseDevice", uint32(226), uint32(0), "force"))
	assert.False(t, changed)
	assert.Len(t, f.calls, 1, "forced pauses aren't acknowledged")

	active, changed = l.handleSignal(signal(login1Session+".ResumeDevice", uint32(226), uint32(0), dbus.UnixFD(0)))
	assert.True(t, changed)
	assert.True(t, active)
	assert.True(t, l.Active())
}

func TestForeignSignalsIgnored(t *testing.T) {
	l, f := testLogind()
	for _, sig := range []*dbus.Signal{
		signal(login1Session+".PauseDevice", uint32(13), uint32(64), "pause"),
		signal(login1Session+".PauseDevice", "garbage"),
		{Path: "/org/freedesktop/login1/session/_32", Name: login1Session + ".PauseDevice",
			Body: []interface{}{uint32(226), uint32(0), "pause"}},
		signal("org.example.Other"),
	} {
		_, changed := l.handleSignal(sig)
		assert.False(t, changed)
	}
	assert.Empty(t, f.calls)
	assert.True(t, l.Active())
}

func TestActiveProperty(t *testing.T) {
	l, _ := testLogind()
	active, changed := l.handleSignal(signal(propertiesInterface+".PropertiesChanged",
		login1Session, map[string]dbus.Variant{"Active": dbus.MakeVariant(false)}, []string{}))
	assert.True(t, changed)
	assert.False(t, active)

	_, changed = l.handleSignal(signal(propertiesInterface+".PropertiesChanged",
		"org.example.Other", map[string]dbus.Variant{"Active": dbus.MakeVariant(true)}, []string{}))
	assert.False(t, changed)
}

func TestRun(t *testing.T) {
	l, _ := testLogind()
	ctx, cancel := context.WithCancel(context.Background())
	var got []bool
	l.signals <- signal(login1Session+".PauseDevice", uint32(226), uint32(0), "gone")
	l.signals <- signal(login1Session+".ResumeDevice", uint32(226), uint32(0), dbus.UnixFD(0))
	done := make(chan error)
	go func() {
		done <- l.Run(ctx, func(active bool) {
			got = append(got, active)
			if len(got) == 2 {
				cancel()
			}
		})
	}()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []bool{false, true}, got)
}

func TestFindSession(t *testing.T) {
	t.Setenv("XDG_SESSION_ID", "")
	f := &fakeSession{reply: map[string][]interface{}{
		login1Manager + ".GetSessionByPID": {testPath},
	}}
	path, err := findSession(f)
	require.NoError(t, err)
	assert.Equal(t, testPath, path)

	t.Setenv("XDG_SESSION_ID", "c2")
	f.reply[login1Manager+".GetSession"] = []interface{}{dbus.ObjectPath("/org/freedesktop/login1/session/c2")}
	path, err = findSession(f)
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/freedesktop/login1/session/c2"), path)

	f = &fakeSession{fail: map[string]error{login1Manager + ".GetSessionByPID": errors.New("no session")}}
	t.Setenv("XDG_SESSION_ID", "")
	_, err = findSession(f)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRelease(t *testing.T) {
	l, f := testLogind()
	f.fail[login1Session+".ReleaseControl"] = errors.New("not controlling")
	err := l.Close()
	assert.Error(t, err)
	assert.Equal(t, []string{login1Session + ".ReleaseDevice", login1Session + ".ReleaseControl"}, f.calls)
	assert.Empty(t, l.devices)
}
