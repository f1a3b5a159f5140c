// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mstarongithub/way2gay-kms/backend"
	"github.com/mstarongithub/way2gay-kms/config"
	"github.com/mstarongithub/way2gay-kms/eventloop"
	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/hotplug"
	"github.com/mstarongithub/way2gay-kms/kms/device"
	"github.com/mstarongithub/way2gay-kms/remoting"
	"github.com/mstarongithub/way2gay-kms/scene"
	"github.com/mstarongithub/way2gay-kms/session"
	"github.com/mstarongithub/way2gay-kms/softrender"
	"github.com/mstarongithub/way2gay-kms/util/multiplexer"
)

var ErrServerStopped = errors.New("server stopped")

// Something a reader goroutine wants done on the event loop
type event interface {
	apply(s *Server)
}

type (
	hotplugEvent struct{ uevent hotplug.Uevent }
	sessionEvent struct{ active bool }
	configEvent  struct{ conf *config.Config }
	commandEvent struct {
		line  string
		reply chan string
	}
)

func (ev hotplugEvent) apply(s *Server) { s.handleHotplug(ev.uevent) }
func (ev sessionEvent) apply(s *Server) { s.handleSession(ev.active) }
func (ev configEvent) apply(s *Server)  { s.handleConfig(ev.conf) }
func (ev commandEvent) apply(s *Server) { ev.reply <- s.handleCommand(ev.line) }

type Server struct {
	conf     *config.Config
	loop     *eventloop.Loop
	sess     session.Session
	dev      device.Device
	backend  *backend.Backend
	renderer *softrender.Renderer
	remoting *remoting.Remoting
	monitor  *hotplug.Monitor
	events   *multiplexer.ManyToOne[event]
	log      *logrus.Entry

	devMajor, devMinor uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Everything below is only touched on the loop
	active        bool
	repaintQueued bool
	needsRepaint  map[*backend.Output]bool
	// Outputs switched off from the repl, repaints leave them alone
	parked map[*backend.Output]bool
	frames map[*backend.Output]uint64
	fresh  []*backend.Output
}

// NewServer opens the configured card through the configured session
func NewServer(conf *config.Config) (*Server, error) {
	var sess session.Session = session.Direct{}
	if conf.Backend.Session == "logind" {
		l, err := session.NewLogind()
		if err != nil {
			return nil, fmt.Errorf("failed to set up logind session: %w", err)
		}
		sess = l
	}
	file, err := sess.Open(conf.Backend.Device)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to open %s: %w", conf.Backend.Device, err)
	}
	card := device.NewCard(file, conf.Backend.Device)
	s, err := newServer(conf, card, sess)
	if err != nil {
		card.Close()
		sess.Close()
		return nil, err
	}
	if s.devMajor, s.devMinor, err = hotplug.Devnum(file); err != nil {
		s.log.WithError(err).Warnln("Can't tell the device number, hotplug is off")
	}
	return s, nil
}

func newServer(conf *config.Config, dev device.Device, sess session.Session) (*Server, error) {
	bg, err := conf.Backend.BackgroundColor()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conf:         conf,
		loop:         eventloop.New(logrus.WithField("component", "loop")),
		sess:         sess,
		dev:          dev,
		renderer:     softrender.New(bg),
		events:       multiplexer.NewManyToOne(make(chan event, 16)),
		log:          logrus.WithField("component", "server"),
		ctx:          ctx,
		cancel:       cancel,
		active:       true,
		needsRepaint: map[*backend.Output]bool{},
		parked:       map[*backend.Output]bool{},
		frames:       map[*backend.Output]uint64{},
	}
	b := conf.Backend
	s.backend, err = backend.New(dev, backend.Options{
		PageflipTimeout:        b.PageflipTimeout(),
		RepaintWindow:          b.RepaintWindow(),
		Format:                 b.Format,
		DisableAtomic:          b.DisableAtomic,
		DisableUniversalPlanes: b.DisableUniversalPlanes,
		SpritesHidden:          b.SpritesHidden,
		CursorWidth:            b.CursorWidth,
		CursorHeight:           b.CursorHeight,
	}, backend.Deps{
		Compositor: s,
		Renderer:   s.renderer,
		Post:       s.loop.Post,
		Timer: func(d time.Duration, fn func()) backend.Stopper {
			return s.loop.AfterFunc(d, fn)
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to set up kms backend: %w", err)
	}
	s.remoting = remoting.New(s.backend, s.loop.Post, remoting.NewLogSink)
	return s, nil
}

// Start creates and enables all outputs, real and remote
func (s *Server) Start() error {
	if err := s.backend.CreateOutputs(); err != nil {
		return fmt.Errorf("failed to create outputs: %w", err)
	}
	s.setupFresh()
	for _, rc := range s.conf.Remotes {
		if err := s.addRemote(rc); err != nil {
			s.log.WithError(err).WithField("output", rc.Name).Warnln("Remote output not started")
		}
	}
	if len(s.backend.Outputs()) == 0 {
		s.log.Warnln("No outputs to show anything on")
	}
	return nil
}

// Run dispatches events until Stop is called, then tears everything down
func (s *Server) Run() error {
	if fd, ok := s.dev.(interface{ Fd() uintptr }); ok {
		stop := s.loop.WatchFd(int(fd.Fd()), func() {
			if err := s.backend.DispatchEvents(); err != nil {
				s.log.WithError(err).Warnln("Reading kms events failed")
			}
		})
		defer stop()
	}
	s.startReaders()

	s.wg.Add(1)
	go s.pump()

	err := s.loop.Run(s.ctx)
	s.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop ends Run, safe from any goroutine
func (s *Server) Stop() {
	s.cancel()
}

func (s *Server) startReaders() {
	if s.devMajor != 0 {
		if m, err := hotplug.NewMonitor(s.devMajor, s.devMinor); err != nil {
			s.log.WithError(err).Warnln("No hotplug monitor")
		} else {
			s.monitor = m
			s.reader("hotplug", func(ctx context.Context) error {
				return m.Run(ctx, func(ev hotplug.Uevent) { s.send(hotplugEvent{uevent: ev}) })
			})
		}
	}
	s.reader("session", func(ctx context.Context) error {
		return s.sess.Run(ctx, func(active bool) { s.send(sessionEvent{active: active}) })
	})
	if path := s.conf.Path; path != "" {
		s.reader("config", func(ctx context.Context) error {
			return config.Watch(ctx, path, func(c *config.Config) { s.send(configEvent{conf: c}) })
		})
	}
}

func (s *Server) reader(name string, run func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).WithField("reader", name).Warnln("Reader stopped")
		}
	}()
}

func (s *Server) send(ev event) {
	if err := s.events.Send(ev); err != nil {
		s.log.WithField("event", fmt.Sprintf("%T", ev)).Debugln("Dropping event, server is stopping")
	}
}

// Moves events from the readers onto the loop
func (s *Server) pump() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events.Receive():
			s.loop.Post(func() { ev.apply(s) })
		case <-s.events.Done():
			return
		}
	}
}

// Command runs one repl command on the loop and returns its answer
func (s *Server) Command(line string) (string, error) {
	reply := make(chan string, 1)
	if err := s.events.Send(commandEvent{line: line, reply: reply}); err != nil {
		return "", ErrServerStopped
	}
	select {
	case res := <-reply:
		return res, nil
	case <-s.loop.Stopped():
		return "", ErrServerStopped
	}
}

// Close releases the device and the session of a server that never ran
func (s *Server) Close() {
	s.cancel()
	s.events.Close()
	if err := s.backend.Close(); err != nil {
		s.log.WithError(err).Warnln("Closing backend failed")
	}
	if err := s.sess.Close(); err != nil {
		s.log.WithError(err).Warnln("Releasing session failed")
	}
}

func (s *Server) shutdown() {
	s.cancel()
	s.events.Close()
	s.wg.Wait()
	s.remoting.Close()
	if err := s.backend.Close(); err != nil {
		s.log.WithError(err).Warnln("Closing backend failed")
	}
	if s.monitor != nil {
		s.monitor.Close()
	}
	if err := s.sess.Close(); err != nil {
		s.log.WithError(err).Warnln("Releasing session failed")
	}
	s.log.Infoln("Server stopped")
}

func (s *Server) addRemote(rc config.RemoteConfig) error {
	o, err := s.remoting.CreateOutput(rc.Name)
	if err != nil {
		return err
	}
	if err = o.SetMode(rc.Mode); err != nil {
		o.Destroy()
		return err
	}
	if rc.Format != "" {
		o.SetFormat(rc.Format)
	}
	o.SetHost(rc.Host)
	o.SetPort(rc.Port)
	o.SetBitrate(rc.Bitrate)
	if err = o.Enable(); err != nil {
		o.Destroy()
		return err
	}
	s.kick(o.Backend())
	return nil
}

// Configures and enables the outputs created since the last call
func (s *Server) setupFresh() {
	fresh := s.fresh
	s.fresh = nil
	for _, out := range fresh {
		if err := s.setupOutput(out); err != nil {
			s.log.WithError(err).WithField("output", out.Name).Warnln("Output left disabled")
		}
	}
}

func (s *Server) setupOutput(out *backend.Output) error {
	oc, _ := s.conf.Output(out.Name)
	kind, modeline := backend.ParseOutputMode(oc.Mode)
	if kind == backend.OutputModeOff {
		s.log.WithField("output", out.Name).Infoln("Output configured off")
		return nil
	}
	if oc.Format != "" {
		out.SetFormat(oc.Format)
	}
	if err := out.SetMode(kind, modeline); err != nil {
		return err
	}
	out.SetScale(oc.Scale)
	if oc.X != 0 || oc.Y != 0 {
		out.SetPosition(oc.X, oc.Y)
	} else {
		out.SetPosition(s.rightEdge(out), 0)
	}
	if err := out.Enable(); err != nil {
		return err
	}
	s.kick(out)
	return nil
}

// Where the next output goes when placed left to right
func (s *Server) rightEdge(skip *backend.Output) int32 {
	var edge int32
	for _, out := range s.backend.Outputs() {
		if out == skip || out.Virtual() || !out.Enabled() {
			continue
		}
		if r := out.Region(); r.X2 > edge {
			edge = r.X2
		}
	}
	return edge
}

// Gets the repaint loop of an idle output going
func (s *Server) kick(out *backend.Output) {
	s.needsRepaint[out] = true
	s.backend.StartRepaintLoop(out)
}

func (s *Server) scheduleRepaint() {
	if s.repaintQueued {
		return
	}
	s.repaintQueued = true
	s.loop.Post(s.repaint)
}

// One repaint cycle over every output that asked for one and can take it
func (s *Server) repaint() {
	s.repaintQueued = false
	if !s.active {
		return
	}
	pending := s.backend.RepaintBegin()
	painted := 0
	for _, out := range s.backend.Outputs() {
		if !s.needsRepaint[out] || !out.Enabled() || out.Busy() || s.parked[out] {
			continue
		}
		log := s.log.WithField("output", out.Name)
		if _, err := s.backend.AssignPlanes(out, nil, pending); err != nil {
			log.WithError(err).Warnln("Plane assignment failed")
			continue
		}
		s.renderer.SetViews(out, nil)
		if err := s.backend.Repaint(out, geom.RegionFromRect(out.Region()), pending); err != nil {
			log.WithError(err).Warnln("Repaint failed")
			continue
		}
		delete(s.needsRepaint, out)
		painted++
	}
	if painted == 0 {
		s.backend.RepaintCancel(pending)
		return
	}
	if err := s.backend.RepaintFlush(pending); err != nil {
		s.log.WithError(err).Warnln("Flushing repaint failed")
	}
}

// Damage marks the whole of out for the next repaint
func (s *Server) Damage(out *backend.Output) {
	s.needsRepaint[out] = true
	if !out.Busy() {
		s.scheduleRepaint()
	}
}

// FinishFrame implements backend.Compositor
func (s *Server) FinishFrame(out *backend.Output, ts unix.Timespec, flags scene.PresentFlags) {
	if flags&scene.PresentInvalid == 0 {
		s.frames[out]++
	}
	s.log.WithFields(logrus.Fields{
		"output": out.Name,
		"sec":    ts.Sec,
		"nsec":   ts.Nsec,
		"flags":  uint32(flags),
	}).Debugln("Frame finished")
	if s.needsRepaint[out] {
		s.scheduleRepaint()
	}
}

// ScheduleRepaint implements backend.Compositor
func (s *Server) ScheduleRepaint(out *backend.Output) {
	s.Damage(out)
}

// OutputCreated implements backend.OutputListener
func (s *Server) OutputCreated(out *backend.Output) {
	s.log.WithField("output", out.Name).Debugln("Output created")
	if !out.Virtual() {
		s.fresh = append(s.fresh, out)
	}
}

// OutputDestroyed implements backend.OutputListener
func (s *Server) OutputDestroyed(out *backend.Output) {
	s.log.WithField("output", out.Name).Debugln("Output destroyed")
	delete(s.needsRepaint, out)
	delete(s.parked, out)
	delete(s.frames, out)
}

func (s *Server) handleHotplug(ev hotplug.Uevent) {
	s.log.WithField("devpath", ev.DevPath).Infoln("Display hotplug")
	if _, err := s.backend.UpdateOutputs(); err != nil {
		s.log.WithError(err).Warnln("Rescanning connectors failed")
		return
	}
	s.setupFresh()
}

func (s *Server) handleSession(active bool) {
	if s.active == active {
		return
	}
	s.active = active
	s.backend.SessionNotify(active)
}

func (s *Server) handleConfig(conf *config.Config) {
	if conf.Backend.SpritesHidden != s.conf.Backend.SpritesHidden {
		s.log.WithField("hidden", conf.Backend.SpritesHidden).Infoln("Sprites switched")
		s.backend.SetSpritesHidden(conf.Backend.SpritesHidden)
		s.conf.Backend.SpritesHidden = conf.Backend.SpritesHidden
		for _, out := range s.backend.Outputs() {
			s.Damage(out)
		}
	}
	if conf.LogLevel != s.conf.LogLevel {
		if lvl, err := logrus.ParseLevel(conf.LogLevel); err == nil {
			logrus.SetLevel(lvl)
			s.conf.LogLevel = conf.LogLevel
		}
	}
}
