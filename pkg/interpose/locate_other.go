// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux && !windows

package interpose

import (
	"fmt"
	"runtime"
)

// Probe on platforms without vendor driver support reports both
// libraries unavailable.
func Probe() Report {
	reason := fmt.Sprintf("no vendor driver support on %s", runtime.GOOS)
	return Report{
		Driver:  LibraryProbe{Reason: reason},
		Encoder: LibraryProbe{Reason: reason},
	}
}
