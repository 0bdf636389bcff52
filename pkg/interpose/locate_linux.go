// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package interpose

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// On linux the identifier-resolution interface does not exist as a
// library export; interception runs against an embedding host. The
// probe still reports whether the vendor driver and encoder runtime are
// installed so operators can tell a bare machine from a misconfigured
// one.

var deviceNodes = []string{
	"/dev/nvidiactl",
	"/dev/nvidia0",
}

var encoderPaths = []string{
	"/usr/lib/x86_64-linux-gnu/libnvidia-encode.so.1",
	"/usr/lib64/libnvidia-encode.so.1",
	"/usr/lib/libnvidia-encode.so.1",
	"/opt/nvidia/lib64/libnvidia-encode.so.1",
}

func Probe() Report {
	return Report{
		Driver:  probeAny(deviceNodes, "no vendor device node present"),
		Encoder: probeAny(encoderPaths, "encoder library not found"),
		Kernel:  kernelRelease(),
	}
}

func probeAny(paths []string, reason string) LibraryProbe {
	for _, p := range paths {
		if unix.Access(p, unix.F_OK) == nil {
			return LibraryProbe{Available: true, Path: p}
		}
	}
	return LibraryProbe{Reason: fmt.Sprintf("%s (checked %s)", reason, strings.Join(paths, ", "))}
}

func kernelRelease() string {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "unknown"
	}
	return strings.TrimRight(string(uname.Release[:]), "\x00")
}
