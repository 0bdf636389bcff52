// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package interpose is the boundary between the interception core and
// whatever mechanism actually redirects library exports. The core never
// touches raw addresses or trampolines; it asks a Provider for the
// original of an export and hands back a replacement. How the
// redirection happens (an embedding host routing calls in process, a
// proxy library, a loader shim) is the provider's business.
package interpose

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrUnavailable reports that an export or library is not present on
// this system. Callers branch on it with errors.Is to enter degraded
// operation instead of failing startup.
var ErrUnavailable = errors.New("export unavailable")

// Export names one exported entry point of one library.
type Export struct {
	Library string
	Name    string
}

func (e Export) String() string {
	return fmt.Sprintf("%s!%s", e.Library, e.Name)
}

// Provider hands out originals and installs replacements.
type Provider interface {
	// Original returns the real entry point for exp, or an error
	// wrapping ErrUnavailable when the system does not expose it.
	Original(exp Export) (any, error)

	// Redirect arranges for calls to exp to reach repl instead of the
	// real entry point.
	Redirect(exp Export, repl any) error

	// Restore removes every installed redirect.
	Restore() error

	// Name identifies the provider ("host", "stub").
	Name() string
}

// DriverLibrary is the vendor driver interface library for this
// process's bitness.
func DriverLibrary() string {
	if bits.UintSize == 32 {
		return "nvapi.dll"
	}
	return "nvapi64.dll"
}

// EncoderLibrary is the vendor encoder library for this process's
// bitness.
func EncoderLibrary() string {
	if bits.UintSize == 32 {
		return "nvEncodeAPI.dll"
	}
	return "nvEncodeAPI64.dll"
}

// The two exports the agent intercepts.
var (
	QueryInterfaceExport = Export{Library: DriverLibrary(), Name: "nvapi_QueryInterface"}
	EncodeCreateExport   = Export{Library: EncoderLibrary(), Name: "NvEncodeAPICreateInstance"}
)

// LibraryProbe describes whether one vendor library is present.
type LibraryProbe struct {
	Available bool
	Path      string
	Reason    string // non-empty when Available is false
}

// Report is the result of probing the system for the vendor libraries
// the agent cares about.
type Report struct {
	Driver  LibraryProbe
	Encoder LibraryProbe
	Kernel  string // populated on linux
}
