// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package remoting

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/backend"
	"github.com/mstarongithub/way2gay-kms/util/multiplexer"
)

// Frames a subscriber may fall behind before it misses some
const subscriberBuffer = 4

// Output decorates a virtual output: enabling it starts the stream, every new
// frame goes to the sink and to subscribers
type Output struct {
	r     *Remoting
	name  string
	inner OutputController
	out   *backend.Output
	sink  Sink
	log   *logrus.Entry

	host    string
	port    int
	bitrate int

	enabled bool
	seq     uint64
	// seq of the frame the sink still holds, 0 if none
	pending uint64
	frames  *multiplexer.OneToMany[Frame]
}

func newOutput(r *Remoting, name string) *Output {
	o := &Output{
		r:      r,
		name:   name,
		sink:   r.newSink(name),
		log:    r.log.WithField("output", name),
		frames: multiplexer.NewOneToMany[Frame](subscriberBuffer),
	}
	go o.frames.StartPlexer()
	return o
}

func (o *Output) Name() string { return o.name }

// Backend returns the virtual output underneath
func (o *Output) Backend() *backend.Output { return o.out }

func (o *Output) Enabled() bool { return o.enabled }

// SetMode takes "WIDTHxHEIGHT[@REFRESH]"
func (o *Output) SetMode(modeline string) error {
	w, h, refresh, err := ParseMode(modeline)
	if err != nil {
		return err
	}
	return o.out.SetVirtualMode(w, h, refresh)
}

func (o *Output) SetFormat(name string) { o.out.SetFormat(name) }

func (o *Output) SetHost(host string) { o.host = host }

func (o *Output) SetPort(port int) { o.port = port }

func (o *Output) SetBitrate(bitrate int) { o.bitrate = bitrate }

func (o *Output) streamConfig() (StreamConfig, error) {
	m := o.out.CurrentMode()
	switch {
	case o.host == "":
		return StreamConfig{}, fmt.Errorf("%w: %s has no host", ErrInvalidConfig, o.name)
	case o.port <= 0 || o.port > 65535:
		return StreamConfig{}, fmt.Errorf("%w: %s has port %d", ErrInvalidConfig, o.name, o.port)
	case m == nil:
		return StreamConfig{}, fmt.Errorf("%w: %s has no mode", ErrInvalidConfig, o.name)
	}
	return StreamConfig{
		Host:    o.host,
		Port:    o.port,
		Bitrate: o.bitrate,
		Width:   m.Width,
		Height:  m.Height,
		Format:  o.out.Format().Format,
	}, nil
}

// Enable enables the output underneath, then starts the stream
func (o *Output) Enable() error {
	cfg, err := o.streamConfig()
	if err != nil {
		return err
	}
	if err := o.inner.Enable(); err != nil {
		return err
	}
	if err := o.sink.Start(cfg); err != nil {
		if derr := o.inner.Disable(); derr != nil {
			o.log.WithError(derr).Warnln("Failed to disable output after stream failure")
		}
		return fmt.Errorf("failed to start stream for %s: %w", o.name, err)
	}
	o.enabled = true
	o.log.WithFields(logrus.Fields{
		"host":    cfg.Host,
		"port":    cfg.Port,
		"bitrate": cfg.Bitrate,
	}).Infoln("Streaming remote output")
	return nil
}

func (o *Output) stopStream() {
	if !o.enabled {
		return
	}
	o.sink.Stop()
	o.enabled = false
	// A stopped sink never returns the frame it held
	if o.pending != 0 {
		o.pending = 0
		o.r.post(o.out.FinishVirtualFrame)
	}
}

// Disable stops the stream first
func (o *Output) Disable() error {
	o.stopStream()
	return o.inner.Disable()
}

func (o *Output) Destroy() {
	o.stopStream()
	o.inner.Destroy()
	o.frames.CloseSender()
	o.r.remove(o)
}

// Subscribe returns a channel receiving a description of every frame sent
func (o *Output) Subscribe(name string) (<-chan Frame, error) {
	return o.frames.MakeReceiver(name, subscriberBuffer)
}

func (o *Output) Unsubscribe(name string) {
	o.frames.CloseReceiver(name)
}

// Frame implements backend.VirtualOutputHandler
func (o *Output) Frame(out *backend.Output) {
	if !o.enabled {
		o.r.post(out.FinishVirtualFrame)
		return
	}
	fd, stride, err := o.r.b.ScanoutHandle(out)
	if err != nil {
		o.log.WithError(err).Warnln("No frame to send")
		o.r.post(out.FinishVirtualFrame)
		return
	}
	o.seq++
	m := out.CurrentMode()
	f := Frame{
		Output: o.name,
		Seq:    o.seq,
		Width:  m.Width,
		Height: m.Height,
		Stride: stride,
		Format: out.Format().Format,
	}
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &f.Time)

	seq := o.seq
	var once sync.Once
	done := func() {
		once.Do(func() { o.r.post(func() { o.release(seq) }) })
	}
	o.pending = seq
	if err := o.sink.Push(fd, f, done); err != nil {
		o.log.WithError(err).Warnln("Sink refused frame")
		unix.Close(fd)
		o.pending = 0
		o.r.post(out.FinishVirtualFrame)
		return
	}
	if err := o.frames.Send(f); err != nil {
		o.log.WithError(err).Debugln("Frame not published")
	}
}

// Runs on the event loop once the sink let go of frame seq
func (o *Output) release(seq uint64) {
	if o.pending != seq {
		return
	}
	o.pending = 0
	o.out.FinishVirtualFrame()
}

// LogSink only logs what it would send
type LogSink struct {
	log *logrus.Entry
}

func NewLogSink(name string) Sink {
	return &LogSink{log: logrus.WithFields(logrus.Fields{"component": "remoting", "sink": name})}
}

func (s *LogSink) Start(cfg StreamConfig) error {
	s.log.WithField("config", fmt.Sprintf("%+v", cfg)).Infoln("Stream started")
	return nil
}

func (s *LogSink) Push(fd int, f Frame, done func()) error {
	s.log.WithFields(logrus.Fields{
		"seq":    f.Seq,
		"fd":     fd,
		"stride": f.Stride,
	}).Debugln("Frame")
	unix.Close(fd)
	done()
	return nil
}

func (s *LogSink) Stop() {
	s.log.Infoln("Stream stopped")
}
