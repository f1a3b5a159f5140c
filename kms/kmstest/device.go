// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package kmstest provides an in-memory KMS device.
// It records every call, hands out fb ids and queues the completion events a
// real kernel would send, so commit logic can be tested without hardware.
package kmstest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/kms/format"
	"github.com/mstarongithub/way2gay-kms/kms/props"
)

// Call is one recorded device call
type Call struct {
	Op string
	// crtc, plane or connector id, depending on Op
	Obj uint32
	// fb id or buffer handle, depending on Op
	FB uint32
}

// Commit is one recorded atomic commit
type Commit struct {
	Req   device.AtomicRequest
	Flags uint32
}

// FB is a registered framebuffer
type FB struct {
	Width, Height uint32
	Format        uint32
	Handle        uint32
	Legacy        bool
}

type object struct {
	typ   uint32
	props props.ObjectProperties
}

var (
	ErrInjected = errors.New("injected failure")
	// What the kernel answers to connectors without a mode and fb
	ErrInvalidSetCrtc = errors.New("setcrtc: connectors need a mode and fb")
)

// Device implements device.Device
type Device struct {
	Res        device.Resources
	Connectors map[uint32]*device.Connector
	Encoders   map[uint32]*device.Encoder
	Crtcs      map[uint32]*device.Crtc
	Planes     map[uint32]*device.Plane
	Caps       map[uint64]uint64
	ClientCaps map[uint64]uint64

	// Every fb currently registered
	FBs map[uint32]FB
	// Ids passed to RmFB, in order
	RemovedFBs []uint32
	AddedFBs   int
	// Live dumb buffers by handle
	Dumbs          map[uint32]*device.DumbBuffer
	DestroyedDumbs []uint32
	Unmapped       int
	Blobs          map[uint32]device.ModeInfo
	// Connectors of the last successful SetCrtc per crtc
	CrtcConnectors map[uint32][]uint32

	Calls   []Call
	Commits []Commit
	Events  []device.Event

	// Ops in here fail with the stored error. Ops in failOnce fail once
	Fail     map[string]error
	failOnce map[string]error
	// Make AddFB2 fail, forcing the legacy AddFB fallback
	NoAddFB2 bool
	// Next wait-vblank reply for instant queries
	VBlankReply device.VBlankReply

	descriptors map[uint32]*props.Descriptor
	objects     map[uint32]*object
	nextID      uint32
	nextHandle  uint32
}

// New creates an empty device with sane scanout bounds and cursor caps
func New() *Device {
	return &Device{
		Res: device.Resources{
			MinWidth: 1, MaxWidth: 8192,
			MinHeight: 1, MaxHeight: 8192,
		},
		Connectors:     map[uint32]*device.Connector{},
		Encoders:       map[uint32]*device.Encoder{},
		Crtcs:          map[uint32]*device.Crtc{},
		Planes:         map[uint32]*device.Plane{},
		Caps:           map[uint64]uint64{device.CapCursorWidth: 64, device.CapCursorHeight: 64, device.CapTimestampMonotonic: 1, device.CapCrtcInVBlankEvent: 1},
		ClientCaps:     map[uint64]uint64{},
		FBs:            map[uint32]FB{},
		Dumbs:          map[uint32]*device.DumbBuffer{},
		Blobs:          map[uint32]device.ModeInfo{},
		CrtcConnectors: map[uint32][]uint32{},
		Fail:           map[string]error{},
		failOnce:       map[string]error{},
		descriptors:    map[uint32]*props.Descriptor{},
		objects:        map[uint32]*object{},
		nextID:         1,
		nextHandle:     1,
	}
}

func (d *Device) id() uint32 {
	id := d.nextID
	d.nextID++
	return id
}

// FailOnce makes the next call to op return ErrInjected
func (d *Device) FailOnce(op string) {
	d.failOnce[op] = ErrInjected
}

func (d *Device) check(op string) error {
	if err, ok := d.failOnce[op]; ok {
		delete(d.failOnce, op)
		return err
	}
	if err, ok := d.Fail[op]; ok {
		return err
	}
	return nil
}

func (d *Device) record(op string, obj, fb uint32) {
	d.Calls = append(d.Calls, Call{Op: op, Obj: obj, FB: fb})
}

// CallsTo filters the call log by op name
func (d *Device) CallsTo(op string) []Call {
	var out []Call
	for _, c := range d.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Ops lists the op names of the call log in order
func (d *Device) Ops() []string {
	out := make([]string, len(d.Calls))
	for i, c := range d.Calls {
		out[i] = c.Op
	}
	return out
}

// ResetLog forgets recorded calls, commits and events
func (d *Device) ResetLog() {
	d.Calls = nil
	d.Commits = nil
	d.Events = nil
}

// TakeEvents returns and clears the queued events
func (d *Device) TakeEvents() []device.Event {
	evs := d.Events
	d.Events = nil
	return evs
}

func (d *Device) describe(name string, enums []props.Enum) uint32 {
	for id, desc := range d.descriptors {
		if desc.Name == name {
			return id
		}
	}
	id := d.id()
	d.descriptors[id] = &props.Descriptor{ID: id, Name: name, Enum: len(enums) > 0, Enums: enums}
	return id
}

func (d *Device) addObject(id, typ uint32, names []string, values []uint64, enums map[string][]props.Enum) {
	obj := &object{typ: typ}
	for i, name := range names {
		obj.props.IDs = append(obj.props.IDs, d.describe(name, enums[name]))
		obj.props.Values = append(obj.props.Values, values[i])
	}
	d.objects[id] = obj
}

// PropID returns the id of the named property, 0 if no object has it
func (d *Device) PropID(name string) uint32 {
	for id, desc := range d.descriptors {
		if desc.Name == name {
			return id
		}
	}
	return 0
}

// Value reads the current value of a property on an object
func (d *Device) Value(objID uint32, name string) (uint64, bool) {
	obj, ok := d.objects[objID]
	if !ok {
		return 0, false
	}
	propID := d.PropID(name)
	for i, id := range obj.props.IDs {
		if id == propID {
			return obj.props.Values[i], true
		}
	}
	return 0, false
}

// SetValue changes the current value of an object property
func (d *Device) SetValue(objID uint32, name string, value uint64) {
	d.setValue(objID, d.PropID(name), value)
}

func (d *Device) setValue(objID, propID uint32, value uint64) {
	obj, ok := d.objects[objID]
	if !ok {
		return
	}
	for i, id := range obj.props.IDs {
		if id == propID {
			obj.props.Values[i] = value
		}
	}
}

var planeTypeEnum = []props.Enum{
	{Name: "Overlay", Value: 0},
	{Name: "Primary", Value: 1},
	{Name: "Cursor", Value: 2},
}

var dpmsEnum = []props.Enum{
	{Name: "On", Value: 0},
	{Name: "Standby", Value: 1},
	{Name: "Suspend", Value: 2},
	{Name: "Off", Value: 3},
}

// Raw values of the "type" plane property
const (
	PlaneOverlay = 0
	PlanePrimary = 1
	PlaneCursor  = 2
)

// AddCrtc adds a CRTC with atomic properties
func (d *Device) AddCrtc() uint32 {
	id := d.id()
	d.Crtcs[id] = &device.Crtc{ID: id, GammaSize: 256}
	d.Res.Crtcs = append(d.Res.Crtcs, id)
	d.addObject(id, device.ObjectCrtc, []string{"MODE_ID", "ACTIVE"}, []uint64{0, 0}, nil)
	return id
}

// AddPlane adds a plane of the given raw type usable on the CRTCs in possible
func (d *Device) AddPlane(typ uint64, possible uint32, formats ...uint32) uint32 {
	if len(formats) == 0 {
		formats = []uint32{format.XRGB8888, format.ARGB8888}
	}
	id := d.id()
	d.Planes[id] = &device.Plane{ID: id, PossibleCrtcs: possible, Formats: formats}
	names := []string{"type", "SRC_X", "SRC_Y", "SRC_W", "SRC_H", "CRTC_X", "CRTC_Y", "CRTC_W", "CRTC_H", "FB_ID", "CRTC_ID"}
	values := make([]uint64, len(names))
	values[0] = typ
	d.addObject(id, device.ObjectPlane, names, values, map[string][]props.Enum{"type": planeTypeEnum})
	return id
}

// AddConnector adds a connector, an encoder able to drive every CRTC, and the given modes
func (d *Device) AddConnector(connected bool, typ uint32, modes ...device.ModeInfo) uint32 {
	encID := d.id()
	d.Encoders[encID] = &device.Encoder{ID: encID, PossibleCrtcs: 0xff}
	d.Res.Encoders = append(d.Res.Encoders, encID)

	id := d.id()
	d.addObject(id, device.ObjectConnector, []string{"EDID", "DPMS", "CRTC_ID"}, []uint64{0, 0, 0},
		map[string][]props.Enum{"DPMS": dpmsEnum})
	d.Connectors[id] = &device.Connector{
		ID:        id,
		Type:      typ,
		TypeID:    1,
		Connected: connected,
		MMWidth:   520,
		MMHeight:  320,
		Modes:     modes,
		Encoders:  []uint32{encID},
	}
	d.Res.Connectors = append(d.Res.Connectors, id)
	return id
}

// Mode builds a mode with the given size and a fixed 60Hz-ish timing
func Mode(width, height uint16, preferred bool) device.ModeInfo {
	m := device.ModeInfo{
		Clock:      uint32(width) * uint32(height) * 60 / 1000,
		Hdisplay:   width,
		HsyncStart: width,
		HsyncEnd:   width,
		Htotal:     width,
		Vdisplay:   height,
		VsyncStart: height,
		VsyncEnd:   height,
		Vtotal:     height,
		Vrefresh:   60,
	}
	if preferred {
		m.Type = device.ModeTypePreferred
	}
	name := fmt.Sprintf("%dx%d", width, height)
	copy(m.Name[:], name)
	return m
}

func (d *Device) Describe(id uint32) (*props.Descriptor, error) {
	desc, ok := d.descriptors[id]
	if !ok {
		return nil, fmt.Errorf("no property %d", id)
	}
	return desc, nil
}

func (d *Device) Resources() (*device.Resources, error) {
	if err := d.check("Resources"); err != nil {
		return nil, err
	}
	res := d.Res
	return &res, nil
}

func (d *Device) Connector(id uint32) (*device.Connector, error) {
	conn, ok := d.Connectors[id]
	if !ok {
		return nil, fmt.Errorf("no connector %d", id)
	}
	c := *conn
	if obj, ok := d.objects[id]; ok {
		c.Props = copyProps(obj.props)
	}
	return &c, nil
}

func (d *Device) Encoder(id uint32) (*device.Encoder, error) {
	enc, ok := d.Encoders[id]
	if !ok {
		return nil, fmt.Errorf("no encoder %d", id)
	}
	e := *enc
	return &e, nil
}

func (d *Device) Crtc(id uint32) (*device.Crtc, error) {
	crtc, ok := d.Crtcs[id]
	if !ok {
		return nil, fmt.Errorf("no crtc %d", id)
	}
	c := *crtc
	return &c, nil
}

func (d *Device) PlaneIDs() ([]uint32, error) {
	if err := d.check("PlaneIDs"); err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(d.Planes))
	for id := range d.Planes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (d *Device) Plane(id uint32) (*device.Plane, error) {
	plane, ok := d.Planes[id]
	if !ok {
		return nil, fmt.Errorf("no plane %d", id)
	}
	p := *plane
	return &p, nil
}

func copyProps(p props.ObjectProperties) props.ObjectProperties {
	return props.ObjectProperties{
		IDs:    append([]uint32(nil), p.IDs...),
		Values: append([]uint64(nil), p.Values...),
	}
}

func (d *Device) ObjectProperties(id, objType uint32) (props.ObjectProperties, error) {
	obj, ok := d.objects[id]
	if !ok || obj.typ != objType {
		return props.ObjectProperties{}, fmt.Errorf("no object %d of type %#x", id, objType)
	}
	return copyProps(obj.props), nil
}

func (d *Device) Cap(capability uint64) (uint64, error) {
	val, ok := d.Caps[capability]
	if !ok {
		return 0, fmt.Errorf("cap %#x unsupported", capability)
	}
	return val, nil
}

func (d *Device) SetClientCap(capability, value uint64) error {
	if err := d.check(fmt.Sprintf("SetClientCap%d", capability)); err != nil {
		return err
	}
	d.ClientCaps[capability] = value
	return nil
}

func (d *Device) CreateModeBlob(info *device.ModeInfo) (uint32, error) {
	if err := d.check("CreateModeBlob"); err != nil {
		return 0, err
	}
	id := d.id()
	d.Blobs[id] = *info
	return id, nil
}

func (d *Device) DestroyBlob(id uint32) error {
	delete(d.Blobs, id)
	return nil
}

func (d *Device) Atomic(req device.AtomicRequest, flags uint32) error {
	if err := d.check("Atomic"); err != nil {
		return err
	}
	d.Commits = append(d.Commits, Commit{Req: append(device.AtomicRequest(nil), req...), Flags: flags})
	if flags&device.AtomicTestOnly != 0 {
		return nil
	}
	crtcs := map[uint32]bool{}
	for _, p := range req {
		d.setValue(p.ObjectID, p.PropertyID, p.Value)
		if _, ok := d.Crtcs[p.ObjectID]; ok {
			crtcs[p.ObjectID] = true
		}
	}
	if flags&device.PageFlipEvent != 0 {
		ids := make([]uint32, 0, len(crtcs))
		for id := range crtcs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			d.Events = append(d.Events, device.Event{Type: device.EventFlipComplete, CrtcID: id, Sec: 1})
		}
	}
	return nil
}

func (d *Device) SetCrtc(crtc, fb, x, y uint32, connectors []uint32, info *device.ModeInfo) error {
	if err := d.check("SetCrtc"); err != nil {
		return err
	}
	if len(connectors) > 0 && (fb == 0 || info == nil) {
		return ErrInvalidSetCrtc
	}
	d.record("SetCrtc", crtc, fb)
	d.CrtcConnectors[crtc] = append([]uint32(nil), connectors...)
	if c, ok := d.Crtcs[crtc]; ok {
		c.FbID = fb
		c.ModeValid = info != nil
		if info != nil {
			c.Mode = *info
		}
	}
	return nil
}

func (d *Device) PageFlip(crtc, fb, flags uint32, userData uint64) error {
	if err := d.check("PageFlip"); err != nil {
		return err
	}
	d.record("PageFlip", crtc, fb)
	if flags&device.PageFlipEvent != 0 {
		d.Events = append(d.Events, device.Event{Type: device.EventFlipComplete, UserData: userData, CrtcID: crtc, Sec: 1})
	}
	return nil
}

func (d *Device) SetPlane(plane, crtc, fb uint32, dest geom.Rect, src geom.FixedRect) error {
	if err := d.check("SetPlane"); err != nil {
		return err
	}
	d.record("SetPlane", plane, fb)
	return nil
}

func (d *Device) SetCursor(crtc, handle, width, height uint32) error {
	if err := d.check("SetCursor"); err != nil {
		return err
	}
	d.record("SetCursor", crtc, handle)
	return nil
}

func (d *Device) MoveCursor(crtc uint32, x, y int32) error {
	if err := d.check("MoveCursor"); err != nil {
		return err
	}
	d.record("MoveCursor", crtc, 0)
	return nil
}

func (d *Device) WaitVBlank(pipeBits, flags, sequence uint32, userData uint64) (device.VBlankReply, error) {
	if err := d.check("WaitVBlank"); err != nil {
		return device.VBlankReply{}, err
	}
	d.record("WaitVBlank", pipeBits, 0)
	if flags&device.VBlankEvent != 0 {
		d.Events = append(d.Events, device.Event{Type: device.EventVBlank, UserData: userData, Sec: 1})
	}
	return d.VBlankReply, nil
}

func (d *Device) SetProperty(objID, objType, propID uint32, value uint64) error {
	if err := d.check("SetProperty"); err != nil {
		return err
	}
	d.record("SetProperty", objID, uint32(value))
	d.setValue(objID, propID, value)
	return nil
}

func (d *Device) SetGamma(crtc uint32, r, g, b []uint16) error {
	if err := d.check("SetGamma"); err != nil {
		return err
	}
	d.record("SetGamma", crtc, uint32(len(r)))
	return nil
}

func (d *Device) CreateDumb(width, height, bpp uint32) (*device.DumbBuffer, error) {
	if err := d.check("CreateDumb"); err != nil {
		return nil, err
	}
	pitch := width * ((bpp + 7) / 8)
	buf := &device.DumbBuffer{
		Handle: d.nextHandle,
		Pitch:  pitch,
		Size:   uint64(pitch) * uint64(height),
		Width:  width,
		Height: height,
		BPP:    bpp,
	}
	d.nextHandle++
	d.Dumbs[buf.Handle] = buf
	return buf, nil
}

func (d *Device) MapDumb(buf *device.DumbBuffer) ([]byte, error) {
	if err := d.check("MapDumb"); err != nil {
		return nil, err
	}
	return make([]byte, buf.Size), nil
}

func (d *Device) UnmapDumb(mem []byte) error {
	d.Unmapped++
	return nil
}

func (d *Device) DestroyDumb(handle uint32) error {
	delete(d.Dumbs, handle)
	d.DestroyedDumbs = append(d.DestroyedDumbs, handle)
	return nil
}

func (d *Device) AddFB2(req *device.FBRequest) (uint32, error) {
	if d.NoAddFB2 {
		return 0, ErrInjected
	}
	if err := d.check("AddFB2"); err != nil {
		return 0, err
	}
	id := d.id()
	d.FBs[id] = FB{Width: req.Width, Height: req.Height, Format: req.Format, Handle: req.Handles[0]}
	d.AddedFBs++
	return id, nil
}

func (d *Device) AddFB(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	if err := d.check("AddFB"); err != nil {
		return 0, err
	}
	id := d.id()
	d.FBs[id] = FB{Width: width, Height: height, Handle: handle, Legacy: true}
	d.AddedFBs++
	return id, nil
}

func (d *Device) RmFB(id uint32) error {
	if _, ok := d.FBs[id]; !ok {
		return fmt.Errorf("fb %d not registered", id)
	}
	delete(d.FBs, id)
	d.RemovedFBs = append(d.RemovedFBs, id)
	return nil
}

func (d *Device) PrimeHandleToFD(handle uint32) (int, error) {
	if err := d.check("PrimeHandleToFD"); err != nil {
		return -1, err
	}
	return 1000 + int(handle), nil
}

func (d *Device) ReadEvents() ([]device.Event, error) {
	return d.TakeEvents(), nil
}

func (d *Device) Fd() uintptr  { return 0 }
func (d *Device) Close() error { return nil }

var _ device.Device = (*Device)(nil)
