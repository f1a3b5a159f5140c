// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ipc holds the data tool mode reports, in a shape that encodes to
// yaml and json alike
package ipc

import (
	"fmt"

	"gitlab.com/mstarongitlab/goutils/sliceutils"
	"gopkg.in/yaml.v3"
)

type (
	// A request to list the available Outputs
	OutputRequest struct {
		// Whether to include the modes an output supports
		IncludeModes bool `json:"include_modes" yaml:"include_modes"`
		// Target one specific output
		SpecifiesOutput bool `json:"specifies_output" yaml:"specifies_output"`
		// Name of the output you want info on. Only matters if SpecifiesOutput is set
		TargetOutput string `json:"target_output" yaml:"target_output"`
	}

	// A mode an output supports
	OutputMode struct {
		// Mode height in pixel
		Height int `json:"height" yaml:"height"`
		// Mode width in pixel
		Width int `json:"width" yaml:"width"`
		// Refresh rate of the mode in millihertz
		RefreshRate int  `json:"refresh_rate" yaml:"refresh_rate"`
		Preferred   bool `json:"preferred,omitempty" yaml:"preferred,omitempty"`
		Current     bool `json:"current,omitempty" yaml:"current,omitempty"`
	}

	// What is known about one output
	OutputInfo struct {
		Name      string `json:"name" yaml:"name"`
		Connector uint32 `json:"connector,omitempty" yaml:"connector,omitempty"`
		Crtc      uint32 `json:"crtc,omitempty" yaml:"crtc,omitempty"`
		Virtual   bool   `json:"virtual,omitempty" yaml:"virtual,omitempty"`
		Enabled   bool   `json:"enabled" yaml:"enabled"`
		DPMS      string `json:"dpms" yaml:"dpms"`
		Format    string `json:"format" yaml:"format"`
	}

	// Response to a OutputRequest message
	OutputResponse struct {
		// List of all outputs. Only contains target output if specified
		Outputs []OutputInfo `json:"outputs" yaml:"outputs"`
		// A list of modes an output supports. Only set if IncludeModes is true
		OutputModes map[string][]OutputMode `json:"output_modes,omitempty" yaml:"output_modes,omitempty"`
		// Nr of outputs found
		OutputsFound int `json:"outputs_found" yaml:"outputs_found"`
	}

	// A hardware plane and what it does at the moment
	PlaneInfo struct {
		ID            uint32   `json:"id" yaml:"id"`
		Type          string   `json:"type" yaml:"type"`
		PossibleCrtcs uint32   `json:"possible_crtcs" yaml:"possible_crtcs"`
		Formats       []string `json:"formats" yaml:"formats"`
		// Output whose state the plane shows, empty if unused
		Output string `json:"output,omitempty" yaml:"output,omitempty"`
		FB     uint32 `json:"fb,omitempty" yaml:"fb,omitempty"`
	}

	// Device wide capabilities
	DeviceInfo struct {
		Path            string      `json:"path" yaml:"path"`
		Atomic          bool        `json:"atomic" yaml:"atomic"`
		UniversalPlanes bool        `json:"universal_planes" yaml:"universal_planes"`
		CursorWidth     uint32      `json:"cursor_width" yaml:"cursor_width"`
		CursorHeight    uint32      `json:"cursor_height" yaml:"cursor_height"`
		Planes          []PlaneInfo `json:"planes,omitempty" yaml:"planes,omitempty"`
	}
)

// Answer builds the response to req out of every output there is. modes is
// only consulted for outputs that end up in the response.
func (req OutputRequest) Answer(outputs []OutputInfo, modes func(name string) []OutputMode) OutputResponse {
	if req.SpecifiesOutput {
		outputs = sliceutils.Filter(outputs, func(o OutputInfo) bool { return o.Name == req.TargetOutput })
	}
	res := OutputResponse{
		Outputs:      outputs,
		OutputsFound: len(outputs),
	}
	if req.IncludeModes && modes != nil {
		res.OutputModes = map[string][]OutputMode{}
		for _, o := range outputs {
			res.OutputModes[o.Name] = modes(o.Name)
		}
	}
	return res
}

// Encode turns any of the messages into yaml
func Encode(msg any) ([]byte, error) {
	out, err := yaml.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", msg, err)
	}
	return out, nil
}

// Decode reads a yaml message into msg
func Decode(data []byte, msg any) error {
	if err := yaml.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("failed to decode %T: %w", msg, err)
	}
	return nil
}
