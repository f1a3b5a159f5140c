// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/kms/format"
	"github.com/mstarongithub/way2gay-kms/kms/props"
	"github.com/mstarongithub/way2gay-kms/scene"
)

// Kernel connector types that are built into the machine
const (
	connectorLVDS = 7
	connectorEDP  = 14
)

var connectorTypeNames = []string{
	"Unknown",
	"VGA",
	"DVI-I",
	"DVI-D",
	"DVI-A",
	"Composite",
	"SVIDEO",
	"LVDS",
	"Component",
	"DIN",
	"DP",
	"HDMI-A",
	"HDMI-B",
	"TV",
	"eDP",
	"Virtual",
	"DSI",
}

func connectorName(conn *device.Connector) string {
	name := "UNNAMED"
	if int(conn.Type) < len(connectorTypeNames) {
		name = connectorTypeNames[conn.Type]
	}
	return fmt.Sprintf("%s-%d", name, conn.TypeID)
}

// Output is one connector driven by one CRTC, or a virtual output without either
type Output struct {
	Name              string
	MMWidth, MMHeight uint32
	// Built-in panel
	Internal  bool
	GammaSize int

	b *Backend
	// Identifies the output in kernel event user data
	serial uint32
	// Bit of the output in scene.View.OutputMask, -1 while disabled
	index   int
	virtual bool
	enabled bool

	connectorID  uint32
	connProps    props.Table
	crtcID       uint32
	pipe         int
	crtcProps    props.Table
	scanoutPlane *Plane
	cursorPlane  *Plane

	modes      []*Mode
	mode       *Mode
	nativeMode *Mode

	x, y      int32
	scale     int32
	transform geom.Transform
	format    *format.Info

	stateCur  *OutputState
	stateLast *OutputState

	destroyPending        bool
	disablePending        bool
	dpmsOffPending        bool
	pageFlipPending       bool
	vblankPending         int
	atomicCompletePending bool
	// A submitted frame still owes the compositor a FinishFrame
	awaitingCompletion bool

	// Software rendering targets
	dumb           [2]*Framebuffer
	currentImage   int
	previousDamage geom.Region

	cursorFB      [2]*Framebuffer
	currentCursor int
	cursorView    *scene.View

	watchdog Stopper
	// Media stream counter, extended from the 32 bit hardware sequence
	msc uint64

	virtualHandler      VirtualOutputHandler
	virtualFrameChanged bool
	repaintStart        unix.Timespec
}

func (out *Output) Backend() *Backend { return out.b }
func (out *Output) Enabled() bool { return out.enabled }
func (out *Output) Virtual() bool { return out.virtual }
func (out *Output) Index() int { return out.index }
func (out *Output) ConnectorID() uint32 { return out.connectorID }
func (out *Output) CrtcID() uint32 { return out.crtcID }
func (out *Output) Pipe() int { return out.pipe }
func (out *Output) ScanoutPlane() *Plane { return out.scanoutPlane }
func (out *Output) CursorPlane() *Plane { return out.cursorPlane }
func (out *Output) Modes() []*Mode { return out.modes }
func (out *Output) CurrentMode() *Mode { return out.mode }
func (out *Output) NativeMode() *Mode { return out.nativeMode }
func (out *Output) Format() *format.Info { return out.format }
func (out *Output) Transform() geom.Transform { return out.transform }
func (out *Output) Scale() int32 { return out.scale }
func (out *Output) MSC() uint64 { return out.msc }
func (out *Output) CurrentState() *OutputState { return out.stateCur }

// DPMS is the power level of the state on the hardware
func (out *Output) DPMS() DPMSLevel { return out.stateCur.DPMS }

// Busy reports whether a commit of the output is still waiting for the kernel
func (out *Output) Busy() bool {
	return out.pageFlipPending || out.vblankPending > 0 || out.atomicCompletePending
}

// RenderTarget is the buffer a software renderer paints the next frame into
func (out *Output) RenderTarget() *Framebuffer { return out.dumb[out.currentImage] }

// Position is the top left corner in the global compositor space
func (out *Output) Position() (int32, int32) { return out.x, out.y }

func (out *Output) SetPosition(x, y int32) {
	out.x, out.y = x, y
}

func (out *Output) SetScale(scale int32) {
	if scale < 1 {
		scale = 1
	}
	out.scale = scale
}

func (out *Output) SetTransform(t geom.Transform) {
	out.transform = t
}

// Size in global coordinates, after transform and scale
func (out *Output) Size() (int32, int32) {
	if out.mode == nil {
		return 0, 0
	}
	w, h := out.mode.Width, out.mode.Height
	if out.transform%2 == 1 {
		w, h = h, w
	}
	return w / out.scale, h / out.scale
}

// Region is the area of the global compositor space shown by the output
func (out *Output) Region() geom.Rect {
	w, h := out.Size()
	return geom.NewRect(out.x, out.y, w, h)
}

// SetGamma uploads a gamma ramp, each channel must have GammaSize entries
func (out *Output) SetGamma(r, g, b []uint16) error {
	if out.virtual {
		return ErrVirtualOutput
	}
	if len(r) != out.GammaSize || len(g) != out.GammaSize || len(b) != out.GammaSize {
		return fmt.Errorf("gamma ramp size %d doesn't match crtc gamma size %d", len(r), out.GammaSize)
	}
	if err := out.b.dev.SetGamma(out.crtcID, r, g, b); err != nil {
		return fmt.Errorf("set gamma failed: %w", err)
	}
	return nil
}

func (out *Output) finishFrame(ts unix.Timespec, flags scene.PresentFlags) {
	out.awaitingCompletion = false
	out.b.compositor.FinishFrame(out, ts, flags)
}

// CreateOutputs creates an output for every connected connector. None of them
// are enabled yet, the caller configures and enables them.
func (b *Backend) CreateOutputs() error {
	res, err := b.dev.Resources()
	if err != nil {
		return fmt.Errorf("failed to get resources: %w", err)
	}
	for _, id := range res.Connectors {
		conn, err := b.dev.Connector(id)
		if err != nil {
			b.log.WithError(err).WithField("connector", id).Warnln("Failed to get connector")
			continue
		}
		if !conn.Connected {
			continue
		}
		if _, err := b.createOutputForConnector(res, conn); err != nil {
			b.log.WithError(err).WithField("connector", id).Warnln("Failed to create output")
		}
	}
	b.updateUnusedOutputs(res)

	if len(sliceutils.Filter(b.outputs, func(out *Output) bool { return !out.virtual })) == 0 {
		b.log.Warnln("No currently active connector found")
	}
	return nil
}

func (b *Backend) createOutputForConnector(res *device.Resources, conn *device.Connector) (*Output, error) {
	b.nextSerial++
	out := &Output{
		Name:        connectorName(conn),
		MMWidth:     conn.MMWidth,
		MMHeight:    conn.MMHeight,
		Internal:    conn.Type == connectorLVDS || conn.Type == connectorEDP,
		b:           b,
		serial:      b.nextSerial,
		index:       -1,
		connectorID: conn.ID,
		connProps:   props.New(props.ConnectorTemplate),
		crtcProps:   props.New(props.CrtcTemplate),
		scale:       1,
	}
	log := b.log.WithField("output", out.Name)

	if err := out.initCrtc(res, conn); err != nil {
		return nil, err
	}
	out.connProps.Populate(conn.Props, b.dev)

	crtc, err := b.dev.Crtc(out.crtcID)
	if err != nil {
		out.finiCrtc()
		out.connProps.Free()
		return nil, fmt.Errorf("failed to get crtc %d: %w", out.crtcID, err)
	}
	out.GammaSize = crtc.GammaSize

	out.stateCur = newOutputState(out, nil)
	for i := range conn.Modes {
		out.addMode(&conn.Modes[i])
	}
	out.setFormat(b.format)

	b.outputs = append(b.outputs, out)
	log.WithFields(logrus.Fields{
		"connector": out.connectorID,
		"crtc":      out.crtcID,
		"modes":     len(out.modes),
	}).Infoln("Created output")

	if l, ok := b.compositor.(OutputListener); ok {
		l.OutputCreated(out)
	}
	return out, nil
}

// Index into res.Crtcs of a free CRTC able to drive conn, -1 if there is none.
// The routing the connector already has is kept when possible.
func (b *Backend) findCrtcForConnector(res *device.Resources, conn *device.Connector) int {
	ret := -1
	for _, encID := range conn.Encoders {
		enc, err := b.dev.Encoder(encID)
		if err != nil {
			b.log.WithError(err).WithField("encoder", encID).Warnln("Failed to get encoder")
			continue
		}
		for i, crtcID := range res.Crtcs {
			if enc.PossibleCrtcs&(1<<uint(i)) == 0 {
				continue
			}
			if b.outputByCrtc(crtcID) != nil {
				continue
			}
			if conn.EncoderID == 0 || (enc.ID == conn.EncoderID && enc.CrtcID == crtcID) {
				return i
			}
			ret = i
		}
	}
	return ret
}

func (out *Output) initCrtc(res *device.Resources, conn *device.Connector) error {
	b := out.b
	i := b.findCrtcForConnector(res, conn)
	if i < 0 {
		return ErrNoCrtc
	}
	out.crtcID = res.Crtcs[i]
	out.pipe = i

	obj, err := b.dev.ObjectProperties(out.crtcID, device.ObjectCrtc)
	if err != nil {
		out.crtcID, out.pipe = 0, 0
		return fmt.Errorf("failed to get crtc properties: %w", err)
	}
	out.crtcProps.Populate(obj, b.dev)

	out.scanoutPlane = b.findSpecialPlane(out, PlanePrimary)
	if out.scanoutPlane == nil {
		out.crtcProps.Free()
		out.crtcID, out.pipe = 0, 0
		return fmt.Errorf("%w: %s", ErrNoPrimaryPlane, out.Name)
	}
	// Without a cursor plane the compositor draws the cursor itself
	out.cursorPlane = b.findSpecialPlane(out, PlaneCursor)
	return nil
}

func (out *Output) finiCrtc() {
	// Real primary and cursor planes stay around for other outputs,
	// stand-ins belong to this output alone
	if !out.b.universalPlanes {
		if out.cursorPlane != nil {
			out.cursorPlane.destroy()
		}
		if out.scanoutPlane != nil {
			out.scanoutPlane.destroy()
		}
	}
	out.crtcProps.Free()
	out.crtcID = 0
	out.cursorPlane = nil
	out.scanoutPlane = nil
}

func (out *Output) setFormat(f *format.Info) {
	out.format = f
	// Without universal planes the primary plane formats are unknown, assume ours works
	if !out.b.universalPlanes && out.scanoutPlane != nil {
		out.scanoutPlane.Formats = []uint32{f.Format}
	}
}

func (b *Backend) allocIndex(out *Output) error {
	for i := 0; i < 32; i++ {
		if b.idPool&(1<<uint(i)) == 0 {
			b.idPool |= 1 << uint(i)
			out.index = i
			return nil
		}
	}
	return errors.New("too many outputs")
}

func (b *Backend) releaseIndex(out *Output) {
	if out.index < 0 {
		return
	}
	b.idPool &^= 1 << uint(out.index)
	out.index = -1
}

// Enable sets up the render buffers of the output and makes it take part in repaints
func (out *Output) Enable() error {
	if out.virtual {
		return out.b.enableVirtual(out)
	}
	if out.enabled {
		return nil
	}
	b := out.b
	if out.mode == nil {
		return fmt.Errorf("%w: output %s has no mode set", ErrModeNotFound, out.Name)
	}
	if err := b.allocIndex(out); err != nil {
		return err
	}
	if err := out.initRender(); err != nil {
		b.releaseIndex(out)
		return fmt.Errorf("failed to init output render state: %w", err)
	}
	if out.cursorPlane == nil {
		b.cursorsBroken = true
	}

	b.unusedConnectors = removeID(b.unusedConnectors, out.connectorID)
	b.unusedCrtcs = removeID(b.unusedCrtcs, out.crtcID)
	out.enabled = true

	log := b.log.WithField("output", out.Name)
	log.WithFields(logrus.Fields{
		"connector": out.connectorID,
		"crtc":      out.crtcID,
	}).Infoln("Enabled output")
	for _, m := range out.modes {
		log.Infoln("mode", m.String())
	}
	return nil
}

// Disable turns the output off. While a commit is outstanding it only marks the
// output and returns ErrOutputBusy, the completion finishes the job.
func (out *Output) Disable() error {
	if out.virtual {
		return out.b.disableVirtual(out)
	}
	if out.Busy() {
		out.disablePending = true
		return ErrOutputBusy
	}
	out.b.log.WithField("output", out.Name).Infoln("Disabling output")
	if out.enabled {
		out.deinit()
	}
	out.disablePending = false
	return nil
}

// Destroy drops the output for good, deferred until outstanding commits complete
func (out *Output) Destroy() {
	if out.virtual {
		out.b.destroyVirtual(out)
		return
	}
	out.b.destroyOutput(out)
}

func (b *Backend) destroyOutput(out *Output) {
	if out.Busy() {
		out.destroyPending = true
		b.log.WithField("output", out.Name).Infoln("Destroy output while page flip pending")
		return
	}
	if out.enabled {
		out.deinit()
	}
	b.destroyModes(out)
	out.stopWatchdog()
	out.finiCrtc()
	out.connProps.Free()

	if out.stateLast != nil {
		panic("output " + out.Name + " destroyed with a state waiting for completion")
	}
	out.stateCur.free()
	out.stateCur = nil

	b.removeOutput(out)
}

func (b *Backend) removeOutput(out *Output) {
	for i, have := range b.outputs {
		if have == out {
			b.outputs = append(b.outputs[:i], b.outputs[i+1:]...)
			break
		}
	}
	if l, ok := b.compositor.(OutputListener); ok {
		l.OutputDestroyed(out)
	}
}

func (out *Output) deinit() {
	b := out.b
	out.finiRender()
	if out.cursorPlane != nil {
		if err := b.dev.SetCursor(out.crtcID, 0, 0, 0); err != nil {
			b.log.WithError(err).WithField("output", out.Name).Warnln("Failed to turn off hardware cursor")
		}
	}
	b.unusedConnectors = append(b.unusedConnectors, out.connectorID)
	b.unusedCrtcs = append(b.unusedCrtcs, out.crtcID)
	b.releaseIndex(out)
	out.enabled = false
	// Program the now unused connector and crtc on the next commit
	b.stateInvalid = true
}

func (out *Output) softwareRendered() bool {
	_, ok := out.b.renderer.(SurfaceRenderer)
	return !ok
}

func (out *Output) initRender() error {
	if out.softwareRendered() {
		if err := out.initDumbs(); err != nil {
			return err
		}
	}
	if r, ok := out.b.renderer.(OutputRenderer); ok {
		if err := r.InitOutput(out); err != nil {
			out.finiDumbs()
			return fmt.Errorf("renderer refused output: %w", err)
		}
	}
	out.initCursor()
	return nil
}

func (out *Output) initDumbs() error {
	switch out.format.Format {
	case format.XRGB8888, format.RGB565:
	default:
		return fmt.Errorf("%w: software rendering can't use %s", ErrUnsupportedFormat, out.format.Name)
	}
	w, h := uint32(out.mode.Width), uint32(out.mode.Height)
	for i := range out.dumb {
		fb, err := out.b.CreateDumb(w, h, out.format.Format)
		if err != nil {
			out.finiDumbs()
			return err
		}
		out.dumb[i] = fb
	}
	out.currentImage = 0
	out.previousDamage = geom.RegionFromRect(out.Region())
	return nil
}

func (out *Output) finiDumbs() {
	for i := range out.dumb {
		out.dumb[i].Unref()
		out.dumb[i] = nil
	}
	out.previousDamage.Clear()
}

func (out *Output) finiRender() {
	// The render buffers go away regardless of who still references them, so
	// a plane still showing one has to let go first
	if p := out.scanoutPlane; p != nil {
		if fb := p.LiveFB(); fb != nil && (fb.Kind == FBDumb || fb.Kind == FBGBMSurface) {
			p.liveState.free(true)
			p.initLive()
		}
	}
	if r, ok := out.b.renderer.(OutputRenderer); ok {
		r.FiniOutput(out)
	}
	out.finiDumbs()
	out.b.forgetSurfaceFBs(out)
	out.finiCursor()
}

func (out *Output) initCursor() {
	b := out.b
	if out.cursorPlane == nil {
		return
	}
	for i := range out.cursorFB {
		fb, err := b.createDumb(b.cursorW, b.cursorH, format.ARGB8888, FBCursor)
		if err != nil {
			b.log.WithError(err).WithField("output", out.Name).Warnln("Cursor buffers unavailable, using software cursors")
			b.cursorsBroken = true
			out.finiCursor()
			return
		}
		out.cursorFB[i] = fb
	}
}

func (out *Output) finiCursor() {
	for i := range out.cursorFB {
		out.cursorFB[i].Unref()
		out.cursorFB[i] = nil
	}
}

func removeID(ids []uint32, id uint32) []uint32 {
	return sliceutils.Filter(ids, func(have uint32) bool { return have != id })
}
