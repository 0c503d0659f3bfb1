// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ringline

import (
	"errors"
	"fmt"
)

// CallType selects the media of a call.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// Role is the application-level role a participant plays in the call. It is
// opaque to the signaling core and only relayed to provisioning and media.
type Role string

// Profile is display data attached to an invitation. Opaque here.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Side tells which end of the call this participant is on.
type Side int

const (
	SideNone Side = iota
	SideCaller
	SideCallee
)

func (s Side) String() string {
	switch s {
	case SideCaller:
		return "caller"
	case SideCallee:
		return "callee"
	}
	return "none"
}

// CallInvite is the authoritative description of the in-flight call. On the
// callee side every identity field is sourced from the received Initiate
// message, never from local UI input.
type CallInvite struct {
	CallerID      string
	CalleeID      string
	CallerRole    Role
	CalleeRole    Role
	CallType      CallType
	CallerProfile *Profile
	CalleeProfile *Profile
}

var ErrInviteInvalid = errors.New("invite is not valid")

func (inv *CallInvite) validate() error {
	if inv.CallerID == "" || inv.CalleeID == "" {
		return fmt.Errorf("%w: missing participant id", ErrInviteInvalid)
	}
	if inv.CallerID == inv.CalleeID {
		return fmt.Errorf("%w: caller and callee are the same user", ErrInviteInvalid)
	}
	if !inv.CallType.Valid() {
		return fmt.Errorf("%w: bad call type %q", ErrInviteInvalid, inv.CallType)
	}
	return nil
}

// inviteFromInitiate builds the callee-side invite exclusively from the
// message payload.
func inviteFromInitiate(p InitiatePayload) *CallInvite {
	return &CallInvite{
		CallerID:      p.CallerID,
		CalleeID:      p.CalleeID,
		CallerRole:    p.Role,
		CallType:      p.CallType,
		CallerProfile: p.CallerData,
		CalleeProfile: p.CalleeData,
	}
}

// peerID returns the other participant's user id for the given side.
func (inv *CallInvite) peerID(side Side) string {
	if side == SideCaller {
		return inv.CalleeID
	}
	return inv.CallerID
}
