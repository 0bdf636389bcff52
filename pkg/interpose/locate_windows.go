// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package interpose

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// Probe loads each vendor library from the system directory and looks
// up the export the agent would intercept. The libraries are freed
// again; the probe answers presence, it keeps nothing resident.
func Probe() Report {
	return Report{
		Driver:  probeExport(QueryInterfaceExport),
		Encoder: probeExport(EncodeCreateExport),
	}
}

func probeExport(exp Export) LibraryProbe {
	h, err := windows.LoadLibraryEx(exp.Library, 0, windows.LOAD_LIBRARY_SEARCH_SYSTEM32)
	if err != nil {
		return LibraryProbe{Reason: fmt.Sprintf("%s not loadable: %v", exp.Library, err)}
	}
	defer windows.FreeLibrary(h)

	if _, err := windows.GetProcAddress(h, exp.Name); err != nil {
		return LibraryProbe{Reason: fmt.Sprintf("%s does not export %s: %v", exp.Library, exp.Name, err)}
	}
	return LibraryProbe{Available: true, Path: modulePath(h)}
}

func modulePath(h windows.Handle) string {
	buf := make([]uint16, windows.MAX_PATH)
	n, err := windows.GetModuleFileName(h, &buf[0], uint32(len(buf)))
	if err != nil {
		return ""
	}
	return windows.UTF16ToString(buf[:n])
}
