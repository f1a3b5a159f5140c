// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package backend drives display hardware through kernel modesetting.
//
// It owns the pending/output/plane state model, decides which views go onto
// hardware planes, commits the result through the atomic or the legacy API and
// retires it when the kernel reports completion.
// Nothing in here is safe for concurrent use, every entry point is expected to run
// on the one event loop goroutine.
package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/kms/format"
	"github.com/mstarongithub/way2gay-kms/scene"
)

// Exit code used when an output stopped completing its commits
const ExitPageflipTimeout = 3

var (
	ErrOutputBusy        = errors.New("output has a commit in flight")
	ErrModeNotFound      = errors.New("no matching mode")
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	ErrBufferOutOfBounds = errors.New("buffer geometry out of device bounds")
	ErrNoCrtc            = errors.New("no usable crtc/encoder pair for connector")
	ErrNoPrimaryPlane    = errors.New("no primary plane for output")
	ErrVirtualOutput     = errors.New("operation not supported on virtual outputs")
	ErrNoScanout         = errors.New("no framebuffer on the scanout plane")
)

// Compositor is the core the backend reports back to
type Compositor interface {
	// The frame submitted last for out is now on screen, or will never be
	FinishFrame(out *Output, ts unix.Timespec, flags scene.PresentFlags)
	ScheduleRepaint(out *Output)
}

// OutputListener is optionally implemented by a Compositor to hear about hotplug
type OutputListener interface {
	OutputCreated(out *Output)
	OutputDestroyed(out *Output)
}

// Renderer composites everything left on the primary plane
type Renderer interface {
	RepaintOutput(out *Output, damage geom.Region) error
}

// SurfaceRenderer renders into buffers it owns, like a GPU surface.
// Without it the backend hands the renderer a mapped dumb buffer through
// Output.RenderTarget.
type SurfaceRenderer interface {
	Renderer
	LockFrontBuffer(out *Output) (BufferObject, error)
}

// OutputRenderer is optionally implemented by a Renderer keeping per output
// state, set up after the render buffers of an output exist
type OutputRenderer interface {
	InitOutput(out *Output) error
	FiniOutput(out *Output)
}

// BufferObject is a GPU buffer the backend can register as a framebuffer
type BufferObject interface {
	Width() uint32
	Height() uint32
	Stride() uint32
	Handle() uint32
	Format() uint32
	Modifier() uint64
	// Called once the backend doesn't need the buffer anymore
	Release()
}

type Usage int

const (
	UsageScanout = Usage(iota)
	UsageCursor
)

// Importer turns client buffers into buffer objects.
// Importing the same underlying buffer twice must return the same BufferObject,
// every Import is balanced by one Release.
type Importer interface {
	Import(buf *scene.Buffer, usage Usage) (BufferObject, error)
}

// Options is the backend part of the configuration
type Options struct {
	// Zero disables the watchdog
	PageflipTimeout time.Duration
	// Time the compositor reserves for a repaint, virtual outputs report their
	// frames this long after the repaint started. Zero reports the completion time.
	RepaintWindow          time.Duration
	Format                 string
	DisableAtomic          bool
	DisableUniversalPlanes bool
	// Debug switch, overlays stay assigned but show nothing
	SpritesHidden bool
	// Overrides of the size the kernel reports, zero means ask the kernel
	CursorWidth, CursorHeight uint32
}

// Backend is one KMS device with all its outputs and planes
type Backend struct {
	dev        device.Device
	log        *logrus.Entry
	opts       Options
	compositor Compositor
	renderer   Renderer
	importer   Importer
	format     *format.Info

	atomic          bool
	universalPlanes bool
	monotonic       bool
	// Everything has to be programmed from scratch on the next commit
	stateInvalid     bool
	cursorsBroken    bool
	spritesBroken    bool
	spritesHidden    bool
	cursorW, cursorH uint32
	minW, maxW       uint32
	minH, maxH       uint32

	planes  []*Plane
	outputs []*Output
	// Connectors and CRTCs not driven by an enabled output
	unusedConnectors []uint32
	unusedCrtcs      []uint32
	idPool           uint32
	nextSerial       uint32
	repaintData      *PendingState
	fbs              map[BufferObject]*Framebuffer

	post  func(func())
	exit  func(int)
	now   func() unix.Timespec
	timer func(time.Duration, func()) Stopper
}

type Stopper interface {
	Stop() bool
}

// Deps are the collaborators of a backend and the hooks tests replace
type Deps struct {
	Compositor Compositor
	Renderer   Renderer
	// May be nil, then client buffers never go onto planes
	Importer Importer
	Log      *logrus.Entry
	// Runs fn on the event loop. Required for the watchdog and virtual outputs
	Post func(fn func())
	// Defaults to os.Exit
	Exit func(code int)
	// Defaults to the presentation clock of the device
	Now func() unix.Timespec
	// Defaults to time.AfterFunc
	Timer func(d time.Duration, fn func()) Stopper
}

// New probes the device and collects its planes. Outputs are created by CreateOutputs.
func New(dev device.Device, opts Options, deps Deps) (*Backend, error) {
	f, err := ParseFormat(opts.Format, format.XRGB8888)
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = logrus.WithField("component", "kms")
	}
	b := &Backend{
		dev:           dev,
		log:           log,
		opts:          opts,
		compositor:    deps.Compositor,
		renderer:      deps.Renderer,
		importer:      deps.Importer,
		format:        f,
		stateInvalid:  true,
		spritesHidden: opts.SpritesHidden,
		fbs:           map[BufferObject]*Framebuffer{},
		post:          deps.Post,
		exit:          deps.Exit,
		now:           deps.Now,
		timer:         deps.Timer,
	}
	if b.post == nil {
		b.post = func(fn func()) { fn() }
	}
	if b.exit == nil {
		b.exit = osExit
	}
	if b.timer == nil {
		b.timer = func(d time.Duration, fn func()) Stopper { return time.AfterFunc(d, fn) }
	}

	b.initCaps()
	if b.now == nil {
		clock := unix.CLOCK_REALTIME
		if b.monotonic {
			clock = unix.CLOCK_MONOTONIC
		}
		b.now = func() unix.Timespec {
			var ts unix.Timespec
			_ = unix.ClockGettime(int32(clock), &ts)
			return ts
		}
	}

	res, err := dev.Resources()
	if err != nil {
		return nil, fmt.Errorf("failed to get resources: %w", err)
	}
	b.minW, b.maxW = res.MinWidth, res.MaxWidth
	b.minH, b.maxH = res.MinHeight, res.MaxHeight

	b.createPlanes()
	return b, nil
}

func (b *Backend) initCaps() {
	if v, err := b.dev.Cap(device.CapTimestampMonotonic); err == nil && v == 1 {
		b.monotonic = true
	}

	b.cursorW, b.cursorH = 64, 64
	if v, err := b.dev.Cap(device.CapCursorWidth); err == nil {
		b.cursorW = uint32(v)
	}
	if v, err := b.dev.Cap(device.CapCursorHeight); err == nil {
		b.cursorH = uint32(v)
	}
	if b.opts.CursorWidth != 0 && b.opts.CursorHeight != 0 {
		b.cursorW, b.cursorH = b.opts.CursorWidth, b.opts.CursorHeight
	}

	if !b.opts.DisableUniversalPlanes {
		b.universalPlanes = b.dev.SetClientCap(device.ClientCapUniversalPlanes, 1) == nil
	}
	if b.universalPlanes && !b.opts.DisableAtomic {
		inEvent, err := b.dev.Cap(device.CapCrtcInVBlankEvent)
		if err != nil {
			inEvent = 0
		}
		b.atomic = b.dev.SetClientCap(device.ClientCapAtomic, 1) == nil && inEvent == 1
	}

	b.log.WithFields(logrus.Fields{
		"universal-planes": b.universalPlanes,
		"atomic":           b.atomic,
		"monotonic-clock":  b.monotonic,
		"cursor-size":      fmt.Sprintf("%dx%d", b.cursorW, b.cursorH),
	}).Infoln("Probed KMS capabilities")
}

// Atomic reports whether commits go through the atomic API
func (b *Backend) Atomic() bool { return b.atomic }

// UniversalPlanes reports whether primary and cursor planes are real KMS planes
func (b *Backend) UniversalPlanes() bool { return b.universalPlanes }

// CursorSize is the size every cursor buffer is allocated with
func (b *Backend) CursorSize() (uint32, uint32) { return b.cursorW, b.cursorH }

// Format is the default scanout format
func (b *Backend) Format() *format.Info { return b.format }

// Planes returns every plane known to the backend, fake ones included
func (b *Backend) Planes() []*Plane { return b.planes }

// Outputs returns every output, enabled or not, virtual ones included
func (b *Backend) Outputs() []*Output { return b.outputs }

// Output finds an output by name
func (b *Backend) Output(name string) *Output {
	for _, out := range b.outputs {
		if out.Name == name {
			return out
		}
	}
	return nil
}

// SetSpritesHidden toggles the debug switch that blanks overlay planes
func (b *Backend) SetSpritesHidden(hidden bool) {
	b.spritesHidden = hidden
}

// Invalidate forces the next commit to reprogram all hardware state
func (b *Backend) Invalidate() {
	b.stateInvalid = true
}

func (b *Backend) outputByCrtc(crtc uint32) *Output {
	for _, out := range b.outputs {
		if !out.virtual && out.crtcID == crtc {
			return out
		}
	}
	return nil
}

func (b *Backend) outputByConnector(connector uint32) *Output {
	for _, out := range b.outputs {
		if !out.virtual && out.connectorID == connector {
			return out
		}
	}
	return nil
}

func (b *Backend) outputBySerial(serial uint32) *Output {
	for _, out := range b.outputs {
		if out.serial == serial {
			return out
		}
	}
	return nil
}

// Close turns off every plane, releases every framebuffer and closes the device
func (b *Backend) Close() error {
	for _, out := range append([]*Output(nil), b.outputs...) {
		out.pageFlipPending = false
		out.vblankPending = 0
		out.atomicCompletePending = false
		out.awaitingCompletion = false
		out.stopWatchdog()
		out.stateLast.free()
		out.stateLast = nil
		if out.virtual {
			b.destroyVirtual(out)
		} else {
			b.destroyOutput(out)
		}
	}
	for _, p := range append([]*Plane(nil), b.planes...) {
		p.destroy()
	}
	return b.dev.Close()
}
