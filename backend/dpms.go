// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

// SetDPMS changes the power level of an output.
// Anything but on turns the output off completely, turning it back on goes
// through a repaint.
func (out *Output) SetDPMS(level DPMSLevel) error {
	b := out.b
	if out.virtual {
		return ErrVirtualOutput
	}
	if out.stateCur.DPMS == level {
		return nil
	}

	// Inside a repaint cycle the new state simply replaces whatever the cycle
	// built, unless the output still waits for its last commit
	if pending := b.repaintData; pending != nil && out.stateLast == nil {
		// Repaint turns the output on by itself
		if level == DPMSOn {
			return nil
		}
		if s := pending.OutputState(out); s != nil {
			s.free()
		}
		out.disableState(pending)
		return nil
	}

	if level == DPMSOn {
		out.dpmsOffPending = false
		b.compositor.ScheduleRepaint(out)
		return nil
	}

	// Parked until the commit in flight completes
	if out.stateLast != nil {
		out.dpmsOffPending = true
		return nil
	}

	pending := b.newPendingState()
	out.disableState(pending)
	if err := b.applySync(pending); err != nil {
		b.log.WithError(err).WithField("output", out.Name).Errorln("Couldn't disable output")
		return err
	}
	return nil
}
