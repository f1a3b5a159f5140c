// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wrappers

import (
	"errors"
	"io"
	"sync/atomic"
)

var ErrClosed = errors.New("closed")

// ReaderWrapper can be closed without closing the reader it wraps
type ReaderWrapper struct {
	isClosed atomic.Bool
	wrapped  io.Reader
}

// Close implements repl.ReadCloser.
func (r *ReaderWrapper) Close() error {
	r.isClosed.Store(true)
	return nil
}

// Read implements repl.ReadCloser.
// A read that was already blocked when Close was called still returns its data
func (r *ReaderWrapper) Read(p []byte) (n int, err error) {
	if r.isClosed.Load() {
		return 0, ErrClosed
	}
	return r.wrapped.Read(p)
}

func NewReaderWrapper(wraps io.Reader) *ReaderWrapper {
	return &ReaderWrapper{wrapped: wraps}
}
