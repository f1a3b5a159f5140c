// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/way2gay-kms/backend"
	"github.com/mstarongithub/way2gay-kms/repl"
	"github.com/mstarongithub/way2gay-kms/util"
	"github.com/mstarongithub/way2gay-kms/util/wrappers"
)

const replHelp = `Commands:
	outputs                      List outputs
	inspect <output> [modes]     Show an output, or its modes
	planes                       List hardware planes
	dump <output>|device         Dump everything known about an output or the device
	dpms <output> on|off         Switch an output on or off
	mode <output> WxH[@R]        Switch the mode of an output
	sprites on|off               Show or hide overlay planes
	repaint <output>             Repaint an output
	remotes                      List remote outputs
	run <command> [args...]      Run a command
	quit                         Stop way2gay`

func replRunner(server *Server) {
	// Give repl some wrappers around stdin and stdout so that it closes those instead of stdin & stdout themselves
	commandRepl := repl.NewRepl(wrappers.NewReaderWrapper(os.Stdin), wrappers.NewWriterWrapper(os.Stdout))
	commandRepl.Prompt = "w2g> "
	logrus.Debugln("Starting repl")
	err := commandRepl.Run(func(input string, r *repl.Repl) (string, error) {
		return replHandler(server, input, r)
	})
	if err != nil {
		logrus.WithError(err).Warnln("Repl stopped")
	}
}

func replHandler(server *Server, input string, r *repl.Repl) (string, error) {
	if cmdString, ok := strings.CutPrefix(input, "run "); ok {
		return runCommand(cmdString, r), nil
	}
	if input == "quit" {
		server.Stop()
		return "Quitting", repl.ErrQuit
	}
	res, err := server.Command(input)
	if errors.Is(err, ErrServerStopped) {
		return "Server is gone", repl.ErrQuit
	}
	return res, err
}

func runCommand(cmdString string, r *repl.Repl) string {
	parts := strings.Fields(cmdString)
	if len(parts) == 0 {
		return "Nothing to run"
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdout = r.Output
	cmd.Stderr = r.Output
	if err := cmd.Start(); err != nil {
		logrus.WithError(err).WithField("command", cmdString).Errorln("Command failed to start")
		return "Failed to start " + parts[0]
	}
	go func(cmd *exec.Cmd, cmdString string) {
		err := cmd.Wait()
		if exiterr, ok := err.(*exec.ExitError); ok {
			logrus.WithError(err).WithFields(logrus.Fields{
				"exit-code": exiterr.ExitCode(),
				"command":   cmdString,
			}).Warningln("Bad command completion")
		}
	}(cmd, cmdString)
	return "Running " + parts[0]
}

// Runs on the loop
func (s *Server) handleCommand(line string) string {
	cmd, rest := util.Command(line)
	var target, mod string
	util.Unpack(strings.Fields(rest), &target, &mod)
	logrus.WithFields(logrus.Fields{
		"cmd":    cmd,
		"target": target,
		"mod":    mod,
	}).Debugln("Parsed repl command")

	switch cmd {
	case "help":
		return replHelp
	case "outputs":
		var lines []string
		for _, out := range s.backend.Outputs() {
			mode := "no mode"
			if m := out.CurrentMode(); m != nil {
				mode = m.String()
			}
			lines = append(lines, fmt.Sprintf("%s: enabled=%t dpms=%s mode=%s frames=%d",
				out.Name, out.Enabled(), out.DPMS(), mode, s.frames[out]))
		}
		if len(lines) == 0 {
			return "No outputs"
		}
		return strings.Join(lines, "\n")
	case "planes":
		var lines []string
		for _, p := range s.deviceInfo().Planes {
			lines = append(lines, fmt.Sprintf("%d: %s crtcs=%#x output=%q fb=%d formats=%s",
				p.ID, p.Type, p.PossibleCrtcs, p.Output, p.FB, strings.Join(p.Formats, ",")))
		}
		return strings.Join(lines, "\n")
	case "sprites":
		switch target {
		case "on", "off":
			s.backend.SetSpritesHidden(target == "off")
			for _, out := range s.backend.Outputs() {
				s.Damage(out)
			}
			return "Sprites " + target
		}
		return "Usage: sprites on|off"
	case "remotes":
		var lines []string
		for _, o := range s.remoting.Outputs() {
			lines = append(lines, fmt.Sprintf("%s: streaming=%t", o.Name(), o.Enabled()))
		}
		if len(lines) == 0 {
			return "No remote outputs"
		}
		return strings.Join(lines, "\n")
	case "dump":
		if target == "device" {
			return spew.Sdump(s.deviceInfo())
		}
	}

	out := s.backend.Output(target)
	switch cmd {
	case "inspect", "dump", "dpms", "mode", "repaint":
		if out == nil {
			return fmt.Sprintf("Output %q not found", target)
		}
	default:
		return "Unknown command"
	}

	switch cmd {
	case "inspect":
		if mod == "modes" {
			var lines []string
			for _, m := range out.Modes() {
				lines = append(lines, m.String())
			}
			return strings.Join(lines, "\n")
		}
		info := outputInfo(out)
		x, y := out.Position()
		w, h := out.Size()
		return fmt.Sprintf("%s: connector=%d crtc=%d enabled=%t dpms=%s format=%s at %d,%d size %dx%d scale %d msc=%d busy=%t",
			info.Name, info.Connector, info.Crtc, info.Enabled, info.DPMS, info.Format, x, y, w, h, out.Scale(), out.MSC(), out.Busy())
	case "dump":
		return spew.Sdump(outputInfo(out), outputModes(out))
	case "dpms":
		return s.setDPMS(out, mod)
	case "mode":
		var w, h, refresh int32
		if n, _ := fmt.Sscanf(mod, "%dx%d@%d", &w, &h, &refresh); n < 2 {
			return "Usage: mode <output> WxH[@R]"
		}
		if err := out.SwitchMode(w, h, refresh*1000); err != nil {
			return "Mode switch failed: " + err.Error()
		}
		s.Damage(out)
		return "Switched " + out.Name + " to " + out.CurrentMode().String()
	case "repaint":
		s.Damage(out)
		return "Repainting " + out.Name
	}
	return "Unknown command"
}

func (s *Server) setDPMS(out *backend.Output, level string) string {
	switch level {
	case "on":
		delete(s.parked, out)
		if err := out.SetDPMS(backend.DPMSOn); err != nil {
			return "Failed: " + err.Error()
		}
	case "off":
		s.parked[out] = true
		if err := out.SetDPMS(backend.DPMSOff); err != nil {
			return "Failed: " + err.Error()
		}
	default:
		return "Usage: dpms <output> on|off"
	}
	return out.Name + " dpms " + level
}
