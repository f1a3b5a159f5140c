// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package props

// Plane properties
const (
	PlaneType = iota
	PlaneSrcX
	PlaneSrcY
	PlaneSrcW
	PlaneSrcH
	PlaneCrtcX
	PlaneCrtcY
	PlaneCrtcW
	PlaneCrtcH
	PlaneFbID
	PlaneCrtcID
	PlaneCount
)

// Values of the plane "type" enum
const (
	PlaneTypePrimary = iota
	PlaneTypeCursor
	PlaneTypeOverlay
	PlaneTypeCount
)

// Connector properties
const (
	ConnectorEDID = iota
	ConnectorDPMS
	ConnectorCrtcID
	ConnectorCount
)

// Values of the connector "DPMS" enum
const (
	DPMSOn = iota
	DPMSStandby
	DPMSSuspend
	DPMSOff
	DPMSCount
)

// CRTC properties
const (
	CrtcModeID = iota
	CrtcActive
	CrtcCount
)

var PlaneTemplate = []Info{
	PlaneType: {
		Name: "type",
		Enums: []Enum{
			PlaneTypePrimary: {Name: "Primary"},
			PlaneTypeCursor:  {Name: "Cursor"},
			PlaneTypeOverlay: {Name: "Overlay"},
		},
	},
	PlaneSrcX:   {Name: "SRC_X"},
	PlaneSrcY:   {Name: "SRC_Y"},
	PlaneSrcW:   {Name: "SRC_W"},
	PlaneSrcH:   {Name: "SRC_H"},
	PlaneCrtcX:  {Name: "CRTC_X"},
	PlaneCrtcY:  {Name: "CRTC_Y"},
	PlaneCrtcW:  {Name: "CRTC_W"},
	PlaneCrtcH:  {Name: "CRTC_H"},
	PlaneFbID:   {Name: "FB_ID"},
	PlaneCrtcID: {Name: "CRTC_ID"},
}

var ConnectorTemplate = []Info{
	ConnectorEDID: {Name: "EDID"},
	ConnectorDPMS: {
		Name: "DPMS",
		Enums: []Enum{
			DPMSOn:      {Name: "On"},
			DPMSStandby: {Name: "Standby"},
			DPMSSuspend: {Name: "Suspend"},
			DPMSOff:     {Name: "Off"},
		},
	},
	ConnectorCrtcID: {Name: "CRTC_ID"},
}

var CrtcTemplate = []Info{
	CrtcModeID: {Name: "MODE_ID"},
	CrtcActive: {Name: "ACTIVE"},
}
