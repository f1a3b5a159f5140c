// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package util

import "strings"

// Unpacks a slice into arguments and returns how many were set
// If the slice has less elements than variables passed in, the rest of the variables are not modified
// If the slice has more elements than the variables passed in, the additional elements are ignored
// Copied and adjusted from https://stackoverflow.com/a/19832661
func Unpack[T any](toUnpack []T, unpackInto ...*T) int {
	n := min(len(toUnpack), len(unpackInto))
	for i := 0; i < n; i++ {
		*unpackInto[i] = toUnpack[i]
	}
	return n
}

// Splits a command line into its first word and the rest, both trimmed
func Command(line string) (cmd, args string) {
	cmd, args, _ = strings.Cut(strings.TrimSpace(line), " ")
	return cmd, strings.TrimSpace(args)
}
