// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/way2gay-kms/config"
)

func fatal(msg string, err error) {
	fmt.Printf("error %s: %s\n", msg, err)
	os.Exit(1)
}

func wlMain(conf *config.Config) {
	if *help {
		wlHelpMessage()
		return
	}

	// start the server
	server, err := NewServer(conf)
	if err != nil {
		fatal("initializing server", err)
	}
	if err = server.Start(); err != nil {
		fatal("starting server", err)
	}

	switch conf.StartType {
	case config.START_REPL:
		go replRunner(server)
	case config.START_SINGLE_COMMAND:
		go func() {
			res, err := server.Command(*conf.StartCommand)
			if err != nil {
				logrus.WithError(err).Warnln("Start command failed")
				return
			}
			fmt.Println(res)
		}()
	case config.START_NONE:
	}

	// run the event loop
	if err = server.Run(); err != nil {
		fatal("running server", err)
	}
}

func wlHelpMessage() {
	fmt.Println("---- Help message for Way2Gay ----")
	fmt.Println("\nWithout -tool, w2g drives every connected display of the card and offers a repl on stdin")
	fmt.Println("\nFlags:")
	flag.PrintDefaults()
	fmt.Println("\nRepl commands:")
	fmt.Println(replHelp)
}
