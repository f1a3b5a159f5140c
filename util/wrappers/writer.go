// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wrappers

import (
	"io"
	"sync"
)

// WriterWrapper can be closed without closing the writer it wraps.
// Writes are serialized, so several goroutines may share one.
type WriterWrapper struct {
	lock     sync.Mutex
	isClosed bool
	wrapped  io.Writer
}

func NewWriterWrapper(wraps io.Writer) *WriterWrapper {
	return &WriterWrapper{wrapped: wraps}
}

func (r *WriterWrapper) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.isClosed = true
	return nil
}

func (r *WriterWrapper) Write(p []byte) (n int, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.isClosed {
		return 0, ErrClosed
	}
	return r.wrapped.Write(p)
}
