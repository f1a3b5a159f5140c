// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"errors"
	"strings"
)

// CommitError lists the outputs whose new state did not reach the hardware.
// They keep showing their previous state.
type CommitError struct {
	Outputs []*Output
	Err     error
}

func (e *CommitError) Error() string {
	names := make([]string, 0, len(e.Outputs))
	for _, out := range e.Outputs {
		names = append(names, out.Name)
	}
	return "commit failed for " + strings.Join(names, ", ") + ": " + e.Err.Error()
}

func (e *CommitError) Unwrap() error { return e.Err }

func (e *CommitError) add(out *Output, err error) {
	e.Outputs = append(e.Outputs, out)
	e.Err = errors.Join(e.Err, err)
}

func (e *CommitError) orNil() error {
	if e == nil || len(e.Outputs) == 0 {
		return nil
	}
	return e
}

// applyPending commits every output state of pending and consumes it,
// whether the commit worked or not. Synchronous commits may only turn outputs off.
func (b *Backend) applyPending(pending *PendingState, mode ApplyMode) error {
	if mode == ApplySync {
		for _, s := range pending.outputs {
			if s.DPMS != DPMSOff {
				panic("synchronous commit of output " + s.output.Name + " that isn't turned off")
			}
		}
	}
	if b.atomic {
		return b.applyAtomic(pending, mode)
	}
	return b.applyLegacy(pending, mode)
}

// applySync turns the outputs of pending off, the hardware is done when it returns
func (b *Backend) applySync(pending *PendingState) error {
	return b.applyPending(pending, ApplySync)
}

// outputsOf snapshots the outputs of pending, applying empties it
func outputsOf(pending *PendingState) []*Output {
	outs := make([]*Output, 0, len(pending.outputs))
	for _, s := range pending.outputs {
		outs = append(outs, s.output)
	}
	return outs
}
