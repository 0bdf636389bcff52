// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nvapi

import "fmt"

// Status is a vendor API return code. Only the codes this layer produces
// or inspects are named.
type Status int32

const (
	StatusOK             Status = 0
	StatusError          Status = -1
	StatusInvalidPointer Status = -14
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusInvalidPointer:
		return "invalid_pointer"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// DeviceFeatureLevel is the vendor's extended feature level reported by
// the create-device entry points, distinct from the runtime's own
// feature levels.
type DeviceFeatureLevel int32

const (
	DeviceFeatureLevelNull     DeviceFeatureLevel = -1
	DeviceFeatureLevel10_0     DeviceFeatureLevel = 0
	DeviceFeatureLevel10_0Plus DeviceFeatureLevel = 1
	DeviceFeatureLevel10_1     DeviceFeatureLevel = 2
	DeviceFeatureLevel11_0     DeviceFeatureLevel = 3
)
