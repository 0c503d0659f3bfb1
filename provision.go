// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ringline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Provisioner is the remote meeting-session service this core consumes. The
// three calls map to the three provisioning steps; payload shapes beyond the
// documented fields are opaque and resolved by the extractor chain.
type Provisioner interface {
	// CreateMeeting creates the persistent meeting record and returns its id.
	CreateMeeting(ctx context.Context, userID string, role Role) (string, error)
	// CreateMediaSession creates the remote media-session resource for the
	// meeting and returns its id plus an opaque session descriptor.
	CreateMediaSession(ctx context.Context, meetingID string) (MediaSessionInfo, error)
	// RegisterAttendee registers userID against the media session and returns
	// the raw join-credential payload.
	RegisterAttendee(ctx context.Context, mediaSessionID, userID string) (json.RawMessage, error)
}

type MediaSessionInfo struct {
	MediaSessionID string
	Descriptor     json.RawMessage
}

// MediaPlacement carries the transport endpoints the media engine connects
// to. At least one endpoint must be present for a join descriptor to be
// usable.
type MediaPlacement struct {
	AudioHostURL   string `json:"audioHostUrl,omitempty"`
	SignalingURL   string `json:"signalingUrl,omitempty"`
	TurnControlURL string `json:"turnControlUrl,omitempty"`
}

func (p MediaPlacement) hasEndpoint() bool {
	return p.AudioHostURL != "" || p.SignalingURL != "" || p.TurnControlURL != ""
}

type MeetingDescriptor struct {
	MediaSessionID string         `json:"mediaSessionId,omitempty"`
	MediaPlacement MediaPlacement `json:"mediaPlacement"`
}

type AttendeeCredential struct {
	AttendeeID     string `json:"attendeeId,omitempty"`
	ExternalUserID string `json:"externalUserId,omitempty"`
	JoinToken      string `json:"joinToken,omitempty"`
}

// JoinInfo is the join descriptor handed to the media engine. Immutable once
// produced, consumed exactly once by the join step.
type JoinInfo struct {
	Meeting  MeetingDescriptor  `json:"meeting"`
	Attendee AttendeeCredential `json:"attendee"`
}

// MeetingProvisionResult is the outcome of a completed provisioning chain.
type MeetingProvisionResult struct {
	DBMeetingID    string
	MediaSessionID string
	Join           JoinInfo
}

// MediaEngine is the external engine that performs the actual audio/video
// connection. Success or failure of Join is the only protocol-relevant signal
// it produces.
type MediaEngine interface {
	Join(ctx context.Context, meeting MeetingDescriptor, attendee AttendeeCredential, role Role, callType CallType) error
	Leave(ctx context.Context, reason string) error
}

// ProvisionError reports which provisioning step failed. MeetingID carries
// the meeting record id when the failure happened after its creation, so the
// problem report to the peer can still name the meeting.
type ProvisionError struct {
	Step      string
	MeetingID string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning step %s: %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

var ErrNoPlacement = errors.New("join credentials missing media placement")

// joinInfoEnvelope is the nested response form: credentials wrapped under a
// joinInfo field, which may itself arrive base64 encoded.
type joinInfoEnvelope struct {
	JoinInfo json.RawMessage `json:"joinInfo"`
}

// ExtractJoinInfo resolves the join credentials out of a RegisterAttendee
// response. Servers answer in more than one shape, so candidates are tried in
// order: decoded nested envelope, top-level flattened form, then the
// caller-supplied session descriptor. The first structurally valid candidate
// wins; all must carry placement info to qualify.
func ExtractJoinInfo(registered, fallback json.RawMessage) (JoinInfo, error) {
	candidates := []func() (JoinInfo, bool){
		func() (JoinInfo, bool) { return joinInfoFromEnvelope(registered) },
		func() (JoinInfo, bool) { return joinInfoFromFlat(registered) },
		func() (JoinInfo, bool) { return joinInfoFromDescriptor(fallback, registered) },
	}
	for _, c := range candidates {
		if ji, ok := c(); ok {
			return ji, nil
		}
	}
	return JoinInfo{}, ErrNoPlacement
}

func joinInfoFromEnvelope(payload json.RawMessage) (JoinInfo, bool) {
	var env joinInfoEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || len(env.JoinInfo) == 0 {
		return JoinInfo{}, false
	}

	raw := env.JoinInfo
	// The envelope may hold the object directly or a base64 encoded string of
	// the same object.
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return JoinInfo{}, false
		}
		raw = decoded
	}

	var ji JoinInfo
	if err := json.Unmarshal(raw, &ji); err != nil {
		return JoinInfo{}, false
	}
	if !ji.Meeting.MediaPlacement.hasEndpoint() {
		return JoinInfo{}, false
	}
	return ji, true
}

func joinInfoFromFlat(payload json.RawMessage) (JoinInfo, bool) {
	var flat struct {
		MediaSessionID string         `json:"mediaSessionId"`
		MediaPlacement MediaPlacement `json:"mediaPlacement"`
		AttendeeCredential
	}
	if err := json.Unmarshal(payload, &flat); err != nil {
		return JoinInfo{}, false
	}
	if !flat.MediaPlacement.hasEndpoint() {
		return JoinInfo{}, false
	}
	return JoinInfo{
		Meeting:  MeetingDescriptor{MediaSessionID: flat.MediaSessionID, MediaPlacement: flat.MediaPlacement},
		Attendee: flat.AttendeeCredential,
	}, true
}

// provisionCallee runs the accepting side's provisioning chain: meeting
// record, media-session resource, attendee registration, credential
// extraction. Any failing step aborts the chain; nothing is rolled back.
// Informational MeetingStatus messages are pushed to the peer along the way.
func (r *Ringline) provisionCallee(ctx context.Context, inv CallInvite) (*MeetingProvisionResult, error) {
	if r.prov == nil {
		return nil, &ProvisionError{Step: "create-meeting", Err: errors.New("no provisioner configured")}
	}
	peer := inv.CallerID

	r.sendStatus(peer, "creating-meeting", "creating meeting record", "")
	meetingID, err := r.prov.CreateMeeting(ctx, inv.CalleeID, inv.CalleeRole)
	if err != nil {
		return nil, &ProvisionError{Step: "create-meeting", Err: err}
	}

	r.sendStatus(peer, "creating-session", "creating media session", meetingID)
	sess, err := r.prov.CreateMediaSession(ctx, meetingID)
	if err != nil {
		return nil, &ProvisionError{Step: "create-session", MeetingID: meetingID, Err: err}
	}

	r.sendStatus(peer, "registering-attendee", "registering attendee", meetingID)
	registered, err := r.prov.RegisterAttendee(ctx, sess.MediaSessionID, inv.CalleeID)
	if err != nil {
		return nil, &ProvisionError{Step: "register-attendee", MeetingID: meetingID, Err: err}
	}

	ji, err := ExtractJoinInfo(registered, sess.Descriptor)
	if err != nil {
		return nil, &ProvisionError{Step: "extract-credentials", MeetingID: meetingID, Err: err}
	}
	if ji.Meeting.MediaSessionID == "" {
		ji.Meeting.MediaSessionID = sess.MediaSessionID
	}

	return &MeetingProvisionResult{
		DBMeetingID:    meetingID,
		MediaSessionID: sess.MediaSessionID,
		Join:           ji,
	}, nil
}

// provisionCaller runs the inviting side's provisioning-free join setup: the
// meeting and media session already exist, only the local attendee has to be
// registered against the announced resource.
func (r *Ringline) provisionCaller(ctx context.Context, inv CallInvite, ready MeetingReadyPayload) (*MeetingProvisionResult, error) {
	if r.prov == nil {
		return nil, &ProvisionError{Step: "register-attendee", Err: errors.New("no provisioner configured")}
	}

	registered, err := r.prov.RegisterAttendee(ctx, ready.MediaSessionID, inv.CallerID)
	if err != nil {
		return nil, &ProvisionError{Step: "register-attendee", MeetingID: ready.DBMeetingID, Err: err}
	}

	ji, err := ExtractJoinInfo(registered, nil)
	if err != nil {
		return nil, &ProvisionError{Step: "extract-credentials", MeetingID: ready.DBMeetingID, Err: err}
	}
	if ji.Meeting.MediaSessionID == "" {
		ji.Meeting.MediaSessionID = ready.MediaSessionID
	}

	return &MeetingProvisionResult{
		DBMeetingID:    ready.DBMeetingID,
		MediaSessionID: ready.MediaSessionID,
		Join:           ji,
	}, nil
}

func (r *Ringline) sendStatus(peer, status, message, meetingID string) {
	r.send(KindMeetingStatus, peer, MeetingStatusPayload{
		Status:    status,
		Message:   message,
		MeetingID: meetingID,
	})
}

// joinInfoFromDescriptor falls back to the session descriptor from the
// CreateMediaSession step, taking any attendee fields the register response
// had at top level.
func joinInfoFromDescriptor(descriptor, registered json.RawMessage) (JoinInfo, bool) {
	if len(descriptor) == 0 {
		return JoinInfo{}, false
	}
	var meeting MeetingDescriptor
	if err := json.Unmarshal(descriptor, &meeting); err != nil {
		return JoinInfo{}, false
	}
	if !meeting.MediaPlacement.hasEndpoint() {
		return JoinInfo{}, false
	}
	var attendee AttendeeCredential
	_ = json.Unmarshal(registered, &attendee)
	return JoinInfo{Meeting: meeting, Attendee: attendee}, true
}
