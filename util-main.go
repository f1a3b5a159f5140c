// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"

	"github.com/mstarongithub/way2gay-kms/backend"
	"github.com/mstarongithub/way2gay-kms/common/ipc"
	"github.com/mstarongithub/way2gay-kms/config"
)

var (
	utilAction *string = flag.String(
		"action",
		"outputs",
		"The action to perform in tool mode. Can be one of:"+
			"\n\t- none: Do nothing"+
			"\n\t- outputs: List available outputs"+
			"\n\t- modes: List available modes for an output, use with -output"+
			"\n\t- device: Show device capabilities and planes",
	)
	outputSelection *string = flag.String(
		"output",
		"",
		"Output to perform the action on. Required for some actions",
	)
)

func utilMain(conf *config.Config) {
	if *help {
		utilHelpMessage()
		return
	}

	// Tool mode only reads, it has no business taking over the seat
	conf.Backend.Session = "direct"
	server, err := NewServer(conf)
	if err != nil {
		logrus.WithError(err).Fatal("initializing server")
	}
	defer server.Close()
	if err = server.backend.CreateOutputs(); err != nil {
		logrus.WithError(err).Fatal("listing outputs")
	}

	out, err := utilRun(server, *utilAction, *outputSelection)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Print(out)
}

// utilRun performs action and returns what to print
func utilRun(server *Server, action, output string) (string, error) {
	var msg any
	switch action {
	case "none":
		return "", nil
	case "outputs":
		msg = ipc.OutputRequest{
			SpecifiesOutput: output != "",
			TargetOutput:    output,
		}.Answer(server.outputInfos(), server.modesOf)
	case "modes":
		if output == "" {
			return "", fmt.Errorf("output has to be specified")
		}
		filtered := sliceutils.Filter(server.backend.Outputs(), func(out *backend.Output) bool {
			return out.Name == output
		})
		if len(filtered) == 0 {
			return "", fmt.Errorf("output %s not found", output)
		}
		msg = ipc.OutputRequest{
			IncludeModes:    true,
			SpecifiesOutput: true,
			TargetOutput:    output,
		}.Answer([]ipc.OutputInfo{outputInfo(filtered[0])}, server.modesOf)
	case "device":
		msg = server.deviceInfo()
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
	data, err := ipc.Encode(msg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func utilHelpMessage() {
	fmt.Println("---- Help message for Way2Gay in tool mode ----")
	fmt.Println("\nIn tool mode, w2g will offer various tools for figuring out configurations and similar")
	fmt.Println("\nGeneral flags:")
	fmt.Println("\t-config: Path to the config file. Searched for as way2gay/config.toml in the xdg config dirs by default")
	fmt.Println("\t-device: DRM card to use")
	fmt.Println("\t-tool: Start as a tool instead of a compositor")
	fmt.Println("\t-help: Show this help message (or the one for compositor mode if -tool is not set)")
	fmt.Println("\nTool flags:")
	fmt.Println("\t-action: The action to perform. Can be one of:")
	fmt.Println("\t\t- (default) outputs: List available outputs")
	fmt.Println("\t\t- modes: List available modes for an output. Use with -output")
	fmt.Println("\t\t- device: Show the capabilities and planes of the card")
	fmt.Println("\t-output: Output to perform the action on. Required for -action modes")
}
