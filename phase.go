// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ringline

import "github.com/looplab/fsm"

// Phases of a call session. The session always rests in Idle between calls;
// Terminated is passed through on the way back, never rested in.
const (
	PhaseIdle         = "idle"
	PhaseRinging      = "ringing"
	PhaseAccepted     = "accepted"
	PhaseProvisioning = "provisioning"
	PhaseConnected    = "connected"
	PhaseTerminated   = "terminated"
)

// Phase transition events. Guards and side effects live in the engine; the
// FSM only rejects structurally illegal moves.
const (
	evRing      = "ring"      // idle -> ringing, either side
	evAccept    = "accept"    // ringing -> accepted
	evProvision = "provision" // accepted -> provisioning
	evConnect   = "connect"   // provisioning -> connected
	evTerminate = "terminate" // any active phase -> terminated
	evReset     = "reset"     // terminated -> idle
)

type phaseFSM = fsm.FSM

func newPhaseFSM() *phaseFSM {
	return fsm.NewFSM(
		PhaseIdle,
		fsm.Events{
			{Name: evRing, Src: []string{PhaseIdle}, Dst: PhaseRinging},
			{Name: evAccept, Src: []string{PhaseRinging}, Dst: PhaseAccepted},
			{Name: evProvision, Src: []string{PhaseAccepted}, Dst: PhaseProvisioning},
			{Name: evConnect, Src: []string{PhaseProvisioning}, Dst: PhaseConnected},
			{Name: evTerminate, Src: []string{PhaseRinging, PhaseAccepted, PhaseProvisioning, PhaseConnected}, Dst: PhaseTerminated},
			{Name: evReset, Src: []string{PhaseTerminated}, Dst: PhaseIdle},
		},
		nil,
	)
}
