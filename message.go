// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ringline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind names a signaling message on the bus.
type Kind string

const (
	KindInitiate       Kind = "initiate"
	KindAccepted       Kind = "accepted"
	KindDeclined       Kind = "declined"
	KindCancelled      Kind = "cancelled"
	KindTimeout        Kind = "timeout"
	KindSelfStopRing   Kind = "self-stop-ring"
	KindMeetingReady   Kind = "meeting-ready"
	KindMeetingProblem Kind = "meeting-problem"
	KindMeetingStatus  Kind = "meeting-status"
)

// DeclineReasonBusy is sent when an Initiate arrives while a session is
// already active.
const DeclineReasonBusy = "in_another_call"

// Message is the envelope every signaling payload travels in. To and From are
// user ids, not session ids.
type Message struct {
	Kind    Kind            `json:"kind"`
	To      string          `json:"to"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newMessage(kind Kind, to string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Message{Kind: kind, To: to, Payload: data}, nil
}

type InitiatePayload struct {
	CallType   CallType `json:"callType"`
	CallerID   string   `json:"callerId"`
	CalleeID   string   `json:"calleeId"`
	Role       Role     `json:"role"`
	MediaType  string   `json:"mediaType,omitempty"`
	CallerData *Profile `json:"callerData,omitempty"`
	CalleeData *Profile `json:"calleeData,omitempty"`
}

type AcceptedPayload struct {
	CallerID string `json:"callerId"`
	CalleeID string `json:"calleeId"`
}

type DeclinedPayload struct {
	CallerID string `json:"callerId"`
	CalleeID string `json:"calleeId"`
	Reason   string `json:"reason"`
}

type CancelledPayload struct {
	CallerID string `json:"callerId"`
	CalleeID string `json:"calleeId"`
}

type TimeoutPayload struct {
	CallerID string `json:"callerId"`
	CalleeID string `json:"calleeId"`
}

// SelfStopRingPayload is addressed to the sender's own user id. Its scope is
// the user, not the session: any device still ringing for CalleeID stops.
type SelfStopRingPayload struct {
	CalleeID string `json:"calleeId"`
}

type MeetingReadyPayload struct {
	MeetingID      string `json:"meetingId"`
	CallerID       string `json:"callerId"`
	CalleeID       string `json:"calleeId"`
	CallerRole     Role   `json:"callerRole"`
	CalleeRole     Role   `json:"calleeRole"`
	MediaSessionID string `json:"mediaSessionId"`
	DBMeetingID    string `json:"dbMeetingId"`
}

// MeetingProblemPayload reports a failed provisioning or join. MeetingID is
// empty when the failure happened before the meeting record existed.
type MeetingProblemPayload struct {
	MeetingID string `json:"meetingId,omitempty"`
	CallerID  string `json:"callerId"`
	CalleeID  string `json:"calleeId"`
	Message   string `json:"message"`
}

// MeetingStatusPayload is informational progress only. It never drives a
// transition.
type MeetingStatusPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	MeetingID string `json:"meetingId,omitempty"`
}

var ErrMessageInvalid = errors.New("message failed schema validation")

// requiredFields lists, per kind, the payload fields that must be present and
// non-empty before any transition may read the message.
var requiredFields = map[Kind][]string{
	KindInitiate:       {"callType", "callerId", "calleeId", "role"},
	KindAccepted:       {"callerId", "calleeId"},
	KindDeclined:       {"callerId", "calleeId", "reason"},
	KindCancelled:      {"callerId", "calleeId"},
	KindTimeout:        {"callerId", "calleeId"},
	KindSelfStopRing:   {"calleeId"},
	KindMeetingReady:   {"meetingId", "callerId", "calleeId", "callerRole", "calleeRole", "mediaSessionId", "dbMeetingId"},
	KindMeetingProblem: {"callerId", "calleeId", "message"},
	KindMeetingStatus:  {"status", "message"},
}

// validateMessage checks the envelope and the per-kind required fields. It
// must be called before any decode into a typed payload, so a failing message
// never partially mutates session state.
func validateMessage(msg Message) error {
	fields, ok := requiredFields[msg.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrMessageInvalid, msg.Kind)
	}
	if msg.To == "" {
		return fmt.Errorf("%w: %s missing to", ErrMessageInvalid, msg.Kind)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		return fmt.Errorf("%w: %s payload not an object: %v", ErrMessageInvalid, msg.Kind, err)
	}
	for _, f := range fields {
		v, ok := raw[f]
		if !ok {
			return fmt.Errorf("%w: %s missing %s", ErrMessageInvalid, msg.Kind, f)
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s == "" {
			return fmt.Errorf("%w: %s empty %s", ErrMessageInvalid, msg.Kind, f)
		}
	}
	return nil
}

// Bus is the signaling transport this core consumes. Send delivers a named
// message to the peer identified by user id. Handle registers the callback
// invoked when a message of the given kind arrives locally. Delivery is
// assumed in order per sender/recipient pair.
type Bus interface {
	Send(ctx context.Context, to string, msg Message) error
	Handle(kind Kind, fn func(msg Message))
}
