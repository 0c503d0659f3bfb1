// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ringline

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJoinInfo(t *testing.T) {
	nested := `{
		"joinInfo": {
			"meeting": {"mediaSessionId": "s1", "mediaPlacement": {"audioHostUrl": "wss://audio"}},
			"attendee": {"attendeeId": "a1", "joinToken": "tok"}
		}
	}`

	t.Run("NestedEnvelope", func(t *testing.T) {
		ji, err := ExtractJoinInfo(json.RawMessage(nested), nil)
		require.NoError(t, err)
		assert.Equal(t, "s1", ji.Meeting.MediaSessionID)
		assert.Equal(t, "wss://audio", ji.Meeting.MediaPlacement.AudioHostURL)
		assert.Equal(t, "a1", ji.Attendee.AttendeeID)
		assert.Equal(t, "tok", ji.Attendee.JoinToken)
	})

	t.Run("EncodedEnvelope", func(t *testing.T) {
		inner := `{"meeting":{"mediaSessionId":"s2","mediaPlacement":{"signalingUrl":"wss://sig"}},"attendee":{"attendeeId":"a2","joinToken":"tok2"}}`
		payload, err := json.Marshal(map[string]string{
			"joinInfo": base64.StdEncoding.EncodeToString([]byte(inner)),
		})
		require.NoError(t, err)

		ji, err := ExtractJoinInfo(payload, nil)
		require.NoError(t, err)
		assert.Equal(t, "s2", ji.Meeting.MediaSessionID)
		assert.Equal(t, "wss://sig", ji.Meeting.MediaPlacement.SignalingURL)
		assert.Equal(t, "a2", ji.Attendee.AttendeeID)
	})

	t.Run("FlatForm", func(t *testing.T) {
		flat := `{"mediaSessionId":"s3","mediaPlacement":{"turnControlUrl":"https://turn"},"attendeeId":"a3","joinToken":"tok3"}`
		ji, err := ExtractJoinInfo(json.RawMessage(flat), nil)
		require.NoError(t, err)
		assert.Equal(t, "s3", ji.Meeting.MediaSessionID)
		assert.Equal(t, "https://turn", ji.Meeting.MediaPlacement.TurnControlURL)
		assert.Equal(t, "a3", ji.Attendee.AttendeeID)
	})

	t.Run("FallbackDescriptor", func(t *testing.T) {
		registered := json.RawMessage(`{"attendeeId":"a4","joinToken":"tok4"}`)
		descriptor := json.RawMessage(`{"mediaSessionId":"s4","mediaPlacement":{"audioHostUrl":"wss://fallback"}}`)

		ji, err := ExtractJoinInfo(registered, descriptor)
		require.NoError(t, err)
		assert.Equal(t, "s4", ji.Meeting.MediaSessionID)
		assert.Equal(t, "wss://fallback", ji.Meeting.MediaPlacement.AudioHostURL)
		// Attendee fields are still taken from the register response.
		assert.Equal(t, "a4", ji.Attendee.AttendeeID)
	})

	t.Run("NestedWinsOverFlat", func(t *testing.T) {
		both := `{
			"joinInfo": {
				"meeting": {"mediaSessionId": "nested", "mediaPlacement": {"audioHostUrl": "wss://nested"}},
				"attendee": {"attendeeId": "nested-att"}
			},
			"mediaSessionId": "flat",
			"mediaPlacement": {"audioHostUrl": "wss://flat"}
		}`
		ji, err := ExtractJoinInfo(json.RawMessage(both), nil)
		require.NoError(t, err)
		assert.Equal(t, "nested", ji.Meeting.MediaSessionID)
	})

	t.Run("EnvelopeWithoutPlacementFallsThrough", func(t *testing.T) {
		payload := `{
			"joinInfo": {"attendee": {"attendeeId": "a5"}},
			"mediaPlacement": {"audioHostUrl": "wss://flat"},
			"attendeeId": "a5-flat"
		}`
		ji, err := ExtractJoinInfo(json.RawMessage(payload), nil)
		require.NoError(t, err)
		assert.Equal(t, "wss://flat", ji.Meeting.MediaPlacement.AudioHostURL)
		assert.Equal(t, "a5-flat", ji.Attendee.AttendeeID)
	})

	t.Run("NoShapeValidates", func(t *testing.T) {
		_, err := ExtractJoinInfo(json.RawMessage(`{"attendeeId":"a6"}`), json.RawMessage(`{"note":"nothing"}`))
		assert.ErrorIs(t, err, ErrNoPlacement)
	})

	t.Run("EmptyEverything", func(t *testing.T) {
		_, err := ExtractJoinInfo(nil, nil)
		assert.ErrorIs(t, err, ErrNoPlacement)
	})
}

func TestProvisionError(t *testing.T) {
	inner := assert.AnError
	err := &ProvisionError{Step: "create-session", Err: inner}
	assert.Contains(t, err.Error(), "create-session")
	assert.ErrorIs(t, err, inner)
}
