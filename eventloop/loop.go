// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package eventloop runs closures one after another on a single goroutine.
// Everything touching the display backend goes through it.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var ErrStopped = errors.New("event loop stopped")

// How long a fd watcher sleeps in poll before checking whether it should stop
const pollInterval = 200 * time.Millisecond

type Loop struct {
	lock    sync.Mutex
	pending []func()
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
	log     *logrus.Entry
	wg      sync.WaitGroup
}

func New(log *logrus.Entry) *Loop {
	if log == nil {
		log = logrus.WithField("component", "eventloop")
	}
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		log:  log,
	}
}

// Post queues fn to run on the loop. Never blocks, callable from any goroutine
// including the loop itself. Closures posted after Stop are dropped.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.stop:
		l.log.Debugln("Dropping closure posted to stopped loop")
		return
	default:
	}
	l.lock.Lock()
	l.pending = append(l.pending, fn)
	l.lock.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run dispatches posted closures until ctx is done or Stop is called
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-l.wake:
			l.dispatch()
		}
	}
}

// Closures posted while dispatching run in the next round
func (l *Loop) dispatch() {
	l.lock.Lock()
	batch := l.pending
	l.pending = nil
	l.lock.Unlock()
	for _, fn := range batch {
		fn()
	}
}

// Stop ends Run and every fd watcher. Safe to call more than once
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Wait blocks until every fd watcher has returned
func (l *Loop) Wait() {
	l.wg.Wait()
}

// Stopped is closed once the loop is stopped
func (l *Loop) Stopped() <-chan struct{} {
	return l.stop
}

// WatchFd calls fn on the loop whenever fd is readable. The watcher waits for
// fn to return before polling again, so fn has to drain what is readable.
// The returned func stops watching.
func (l *Loop) WatchFd(fd int, fn func()) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			select {
			case <-done:
				return
			case <-l.stop:
				return
			default:
			}
			n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
			if errors.Is(err, unix.EINTR) || n == 0 {
				continue
			}
			if err != nil {
				l.log.WithError(err).WithField("fd", fd).Errorln("Polling fd failed, watcher stops")
				return
			}
			if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				l.log.WithField("fd", fd).Warnln("Watched fd hung up")
				return
			}
			handled := make(chan struct{})
			l.Post(func() {
				defer close(handled)
				fn()
			})
			select {
			case <-handled:
			case <-done:
				return
			case <-l.stop:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// Timer is a one-shot timer whose callback runs on the loop
type Timer struct {
	timer *time.Timer
}

// AfterFunc runs fn on the loop once d has passed
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	return &Timer{timer: time.AfterFunc(d, func() { l.Post(fn) })}
}

// Stop reports whether the timer was stopped before it fired
func (t *Timer) Stop() bool {
	return t.timer.Stop()
}
