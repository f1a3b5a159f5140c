// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package multiplexer

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrReceiverExists = errors.New("receiver with that name already exists")

// A one to many multiplexer
// Receivers that can't keep up miss messages instead of stalling the sender
type OneToMany[T any] struct {
	inbound   chan T
	outbound  map[string]chan T // Use map here to give names to outbound channels
	lock      sync.Mutex
	closeChan chan struct{}
	stopped   chan struct{}
	closed    bool
	dropped   atomic.Uint64
}

// NewOneToMany creates a plexer whose sender holds up to buffer messages
func NewOneToMany[T any](buffer int) *OneToMany[T] {
	return &OneToMany[T]{
		inbound:   make(chan T, buffer),
		outbound:  make(map[string]chan T),
		closeChan: make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Get the channel to send things into
func (o *OneToMany[T]) GetSender() chan<- T {
	return o.inbound
}

// Send queues msg for distribution without waiting for the receivers
func (o *OneToMany[T]) Send(msg T) error {
	select {
	case <-o.closeChan:
		return ErrClosed
	default:
	}
	select {
	case o.inbound <- msg:
		return nil
	case <-o.closeChan:
		return ErrClosed
	}
}

// Create a new receiver for the multiplexer to send messages to.
// buffer is how many messages it may fall behind before it starts missing some.
// Please do not close this manually, instead use the CloseReceiver func
func (o *OneToMany[T]) MakeReceiver(name string, buffer int) (<-chan T, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	// Only allow new receivers to be made
	if _, ok := o.outbound[name]; ok {
		return nil, ErrReceiverExists
	}
	rec := make(chan T, buffer)
	o.outbound[name] = rec
	return rec, nil
}

// Closes a receiver channel with the given name and removes it from the multiplexer
func (o *OneToMany[T]) CloseReceiver(name string) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		return
	}
	if val, ok := o.outbound[name]; ok {
		close(val)
		delete(o.outbound, name)
	}
}

// Receivers returns the number of attached receivers
func (o *OneToMany[T]) Receivers() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.outbound)
}

// Dropped counts the messages receivers missed because they were full
func (o *OneToMany[T]) Dropped() uint64 {
	return o.dropped.Load()
}

// Start this one to many multiplexer
// intended to run as a goroutine (`go plexer.StartPlexer()`), returns once closed
func (o *OneToMany[T]) StartPlexer() {
	defer close(o.stopped)
	for {
		select {
		// Message gotten from inbound channel
		case msg := <-o.inbound:
			o.distribute(msg)
		// Told to close the plexer including sender
		case <-o.closeChan:
			o.lock.Lock()
			// First close all outbound channels
			// No need to send any signal there as readers will just stop
			for name, c := range o.outbound {
				close(c)
				delete(o.outbound, name)
			}
			o.closed = true
			o.lock.Unlock()
			return
		}
	}
}

func (o *OneToMany[T]) distribute(msg T) {
	o.lock.Lock()
	defer o.lock.Unlock()
	for _, c := range o.outbound {
		select {
		case c <- msg:
		default:
			o.dropped.Add(1)
		}
	}
}

// Close the sender and all receiver channels, mark the plexer as closed and stop the distribution goroutine.
// Waits for the distribution goroutine to finish, so StartPlexer must be running
func (o *OneToMany[T]) CloseSender() {
	o.lock.Lock()
	select {
	case <-o.closeChan:
		o.lock.Unlock()
		return
	default:
	}
	close(o.closeChan)
	o.lock.Unlock()
	<-o.stopped
}
