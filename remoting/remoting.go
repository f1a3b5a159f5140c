// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package remoting streams virtual outputs to remote clients.
// Encoding and transport live behind the Sink interface, this package only
// manages the outputs and hands their frames over.
package remoting

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/backend"
)

var ErrInvalidConfig = errors.New("invalid remote output configuration")

// OutputController is the part of an output the decorator wraps
type OutputController interface {
	Enable() error
	Disable() error
	Destroy()
}

// StreamConfig is what a sink needs to know to set up a stream
type StreamConfig struct {
	Host    string
	Port    int
	Bitrate int
	Width   int32
	Height  int32
	// DRM fourcc of the frames
	Format uint32
}

// Frame describes one image handed to a sink
type Frame struct {
	Output string
	// Counts the frames of one output, starting at 1
	Seq    uint64
	Width  int32
	Height int32
	Stride uint32
	Format uint32
	// When the repaint of the frame was handed over
	Time unix.Timespec
}

// Sink encodes and sends frames
type Sink interface {
	Start(cfg StreamConfig) error
	// Push takes ownership of the dmabuf fd. done may be called from any
	// goroutine once the sink is finished with the buffer.
	Push(fd int, f Frame, done func()) error
	Stop()
}

// Remoting keeps track of every remoted output of a backend
type Remoting struct {
	b       *backend.Backend
	post    func(func())
	newSink func(name string) Sink
	outputs []*Output
	log     *logrus.Entry
}

// New sets up remoting on b. post must run closures on the event loop, newSink
// gives every remoted output its own sink.
func New(b *backend.Backend, post func(func()), newSink func(name string) Sink) *Remoting {
	return &Remoting{
		b:       b,
		post:    post,
		newSink: newSink,
		log:     logrus.WithField("component", "remoting"),
	}
}

// CreateOutput creates a virtual output and wraps it for remoting
func (r *Remoting) CreateOutput(name string) (*Output, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	if r.Lookup(name) != nil {
		return nil, fmt.Errorf("%w: %s exists already", ErrInvalidConfig, name)
	}
	o := newOutput(r, name)
	o.out = r.b.CreateVirtualOutput(name, o)
	o.inner = o.out
	r.outputs = append(r.outputs, o)
	r.log.WithField("output", name).Infoln("Created remote output")
	return o, nil
}

// Lookup finds the remoted output called name
func (r *Remoting) Lookup(name string) *Output {
	found := sliceutils.Filter(r.outputs, func(o *Output) bool { return o.name == name })
	if len(found) == 0 {
		return nil
	}
	return found[0]
}

// IsRemoted reports whether out belongs to a remoted output
func (r *Remoting) IsRemoted(out *backend.Output) bool {
	return len(sliceutils.Filter(r.outputs, func(o *Output) bool { return o.out == out })) > 0
}

// Outputs returns the remoted outputs in creation order
func (r *Remoting) Outputs() []*Output { return r.outputs }

// Close destroys every remoted output
func (r *Remoting) Close() {
	for _, o := range append([]*Output(nil), r.outputs...) {
		o.Destroy()
	}
}

func (r *Remoting) remove(o *Output) {
	r.outputs = sliceutils.Filter(r.outputs, func(other *Output) bool { return other != o })
}

// ParseMode reads "WIDTHxHEIGHT" with an optional "@REFRESH" in Hz
func ParseMode(s string) (width, height, refresh int32, err error) {
	size, rate, hasRate := strings.Cut(s, "@")
	ws, hs, ok := strings.Cut(size, "x")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: mode %q", ErrInvalidConfig, s)
	}
	w, err1 := strconv.ParseInt(ws, 10, 32)
	h, err2 := strconv.ParseInt(hs, 10, 32)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: mode %q", ErrInvalidConfig, s)
	}
	if hasRate {
		v, err := strconv.ParseInt(rate, 10, 32)
		if err != nil || v < 0 {
			return 0, 0, 0, fmt.Errorf("%w: refresh in %q", ErrInvalidConfig, s)
		}
		refresh = int32(v)
	}
	return int32(w), int32(h), refresh, nil
}
