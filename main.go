// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/way2gay-kms/config"
)

var (
	configPath *string = flag.String("config", "", "Path to the config file. Searched for in the xdg config dirs if not set")
	toolMode   *bool   = flag.Bool("tool", false, "Start as a tool instead of a compositor")
	help       *bool   = flag.Bool("help", false, "Show the help message for the selected mode")
	verbose    *bool   = flag.Bool("verbose", false, "Log everything, overrides log_level")
	devicePath *string = flag.String("device", "", "DRM card to use, overrides backend.device")
)

func main() {
	flag.Parse()
	logrus.SetOutput(os.Stderr)

	conf, err := config.Load(*configPath)
	if err != nil {
		fatal("loading config", err)
	}
	if *devicePath != "" {
		conf.Backend.Device = *devicePath
	}
	setupLogging(conf)

	if *toolMode {
		utilMain(conf)
	} else {
		wlMain(conf)
	}
}

func setupLogging(conf *config.Config) {
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
		return
	}
	// Validated while loading
	lvl, _ := logrus.ParseLevel(conf.LogLevel)
	logrus.SetLevel(lvl)
}
