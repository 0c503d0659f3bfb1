// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ringline

// Notification is the (state, substate, payload) tuple handed to the UI layer
// on every phase transition. The UI only observes; it never drives state.
type Notification struct {
	State    string
	Substate string
	Payload  any
}

// Notifier receives notifications. It is invoked on the engine loop, so it
// must not block; hand off to a channel or queue for slow consumers.
type Notifier func(n Notification)

// Substates used across notifications.
const (
	NoteIncoming       = "incoming"
	NoteOutgoing       = "outgoing"
	NoteStopRing       = "stop-ring"
	NoteAcceptedLocal  = "local"
	NoteAcceptedRemote = "remote"
	NoteAwaitConfirm   = "awaiting-confirm"
	NoteStatus         = "status"
	NoteDeclined       = "declined"
	NoteCancelled      = "cancelled"
	NoteTimeout        = "timeout"
	NoteProblem        = "problem"
	NoteJoinFailed     = "join-failed"
)
