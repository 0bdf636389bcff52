// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package nvapi

// Opcode identifies a vendor HLSL extension operation, as passed to the
// IsNvShaderExtnOpCodeSupported entry points.
type Opcode uint32

const (
	OpShfl       Opcode = 1
	OpShflUp     Opcode = 2
	OpShflDown   Opcode = 3
	OpShflXor    Opcode = 4
	OpVoteAll    Opcode = 5
	OpVoteAny    Opcode = 6
	OpVoteBallot Opcode = 7
	OpGetLaneID  Opcode = 8

	OpFP16Atomic   Opcode = 12
	OpFP32Atomic   Opcode = 13
	OpGetSpecial   Opcode = 19
	OpUint64Atomic Opcode = 20
	OpMatchAny     Opcode = 21
	OpFootprint    Opcode = 28
)

// supportedOpcodes is the set of extension operations capture can replay.
// The capability-query handlers AND the driver's answer with this table,
// so an opcode only reaches the application as supported when both the
// hardware can run it and the replay side can execute it. Claiming an
// opcode replay cannot execute would produce captures that never open.
var supportedOpcodes = map[Opcode]bool{
	OpShfl:         true,
	OpShflUp:       true,
	OpShflDown:     true,
	OpShflXor:      true,
	OpVoteAll:      true,
	OpVoteAny:      true,
	OpVoteBallot:   true,
	OpGetLaneID:    true,
	OpFP16Atomic:   true,
	OpFP32Atomic:   true,
	OpGetSpecial:   true,
	OpUint64Atomic: true,
}

// SupportedOpcode reports whether op is replayable. Unlisted opcodes,
// including OpMatchAny and OpFootprint, are not.
func SupportedOpcode(op Opcode) bool {
	return supportedOpcodes[op]
}
