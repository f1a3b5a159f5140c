// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"fmt"

	"github.com/mstarongithub/way2gay-kms/geom"
	"github.com/mstarongithub/way2gay-kms/kms/device"
)

// Everything not driven by an enabled output counts as unused and gets
// turned off by the next invalidating commit
func (b *Backend) updateUnusedOutputs(res *device.Resources) {
	b.unusedConnectors = b.unusedConnectors[:0]
	for _, id := range res.Connectors {
		if out := b.outputByConnector(id); out != nil && out.enabled {
			continue
		}
		b.unusedConnectors = append(b.unusedConnectors, id)
	}

	b.unusedCrtcs = b.unusedCrtcs[:0]
	for _, id := range res.Crtcs {
		if out := b.outputByCrtc(id); out != nil && out.enabled {
			continue
		}
		b.unusedCrtcs = append(b.unusedCrtcs, id)
	}
}

// UpdateOutputs rescans the connectors after a hotplug event. Newly connected
// connectors get an output, outputs of disconnected ones are destroyed.
// It returns the outputs it created, still disabled.
func (b *Backend) UpdateOutputs() ([]*Output, error) {
	res, err := b.dev.Resources()
	if err != nil {
		return nil, fmt.Errorf("failed to get resources: %w", err)
	}

	connected := map[uint32]bool{}
	var created []*Output
	for _, id := range res.Connectors {
		conn, err := b.dev.Connector(id)
		if err != nil {
			continue
		}
		if !conn.Connected {
			continue
		}
		connected[id] = true
		if b.outputByConnector(id) != nil {
			continue
		}
		out, err := b.createOutputForConnector(res, conn)
		if err != nil {
			b.log.WithError(err).WithField("connector", id).Warnln("Failed to create output for new connector")
			continue
		}
		created = append(created, out)
		b.log.WithField("connector", id).Infoln("Connector connected")
	}

	for _, out := range append([]*Output(nil), b.outputs...) {
		if out.virtual || connected[out.connectorID] {
			continue
		}
		b.log.WithField("connector", out.connectorID).Infoln("Connector disconnected")
		out.Destroy()
	}

	b.updateUnusedOutputs(res)
	return created, nil
}

// SessionNotify follows the seat session. Coming back everything gets
// reprogrammed, going away the cursors and overlays are parked.
func (b *Backend) SessionNotify(active bool) {
	if active {
		b.log.Infoln("Activating session")
		b.stateInvalid = true
		for _, out := range b.outputs {
			if out.enabled {
				b.compositor.ScheduleRepaint(out)
			}
		}
		return
	}

	b.log.Infoln("Deactivating session")
	var first *Output
	for _, out := range b.outputs {
		if out.virtual {
			continue
		}
		if first == nil {
			first = out
		}
		if out.cursorPlane != nil {
			_ = b.dev.SetCursor(out.crtcID, 0, 0, 0)
		}
	}
	if first == nil {
		return
	}
	for _, p := range b.planes {
		if p.Type != PlaneOverlay || p.Fake() {
			continue
		}
		if err := b.dev.SetPlane(p.ID, first.crtcID, 0, geom.Rect{}, geom.FixedRect{}); err != nil {
			b.log.WithError(err).WithField("plane", p.ID).Debugln("Failed to park plane")
		}
	}
}
