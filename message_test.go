// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ringline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMessage(t *testing.T) {
	valid := func(kind Kind, payload string) Message {
		return Message{Kind: kind, To: "bob", Payload: json.RawMessage(payload)}
	}

	t.Run("AcceptsCompletePayloads", func(t *testing.T) {
		msgs := []Message{
			valid(KindInitiate, `{"callType":"audio","callerId":"alice","calleeId":"bob","role":"host"}`),
			valid(KindAccepted, `{"callerId":"alice","calleeId":"bob"}`),
			valid(KindDeclined, `{"callerId":"alice","calleeId":"bob","reason":"busy"}`),
			valid(KindCancelled, `{"callerId":"alice","calleeId":"bob"}`),
			valid(KindTimeout, `{"callerId":"alice","calleeId":"bob"}`),
			valid(KindSelfStopRing, `{"calleeId":"bob"}`),
			valid(KindMeetingReady, `{"meetingId":"m","callerId":"alice","calleeId":"bob","callerRole":"host","calleeRole":"guest","mediaSessionId":"s","dbMeetingId":"m"}`),
			valid(KindMeetingProblem, `{"meetingId":"m","callerId":"alice","calleeId":"bob","message":"boom"}`),
			valid(KindMeetingStatus, `{"status":"creating-meeting","message":"working"}`),
		}
		for _, msg := range msgs {
			assert.NoError(t, validateMessage(msg), "kind %s", msg.Kind)
		}
	})

	t.Run("AcceptsProblemWithoutMeetingID", func(t *testing.T) {
		// A provisioning failure before the meeting record exists has no id
		// to report. The problem must still pass validation.
		assert.NoError(t, validateMessage(valid(KindMeetingProblem, `{"callerId":"alice","calleeId":"bob","message":"boom"}`)))
	})

	t.Run("RejectsMissingField", func(t *testing.T) {
		err := validateMessage(valid(KindInitiate, `{"callType":"audio","callerId":"alice","calleeId":"bob"}`))
		require.ErrorIs(t, err, ErrMessageInvalid)
		assert.Contains(t, err.Error(), "role")
	})

	t.Run("RejectsEmptyField", func(t *testing.T) {
		err := validateMessage(valid(KindDeclined, `{"callerId":"alice","calleeId":"bob","reason":""}`))
		assert.ErrorIs(t, err, ErrMessageInvalid)
	})

	t.Run("RejectsMissingTo", func(t *testing.T) {
		msg := valid(KindAccepted, `{"callerId":"alice","calleeId":"bob"}`)
		msg.To = ""
		assert.ErrorIs(t, validateMessage(msg), ErrMessageInvalid)
	})

	t.Run("RejectsUnknownKind", func(t *testing.T) {
		assert.ErrorIs(t, validateMessage(valid(Kind("hold"), `{}`)), ErrMessageInvalid)
	})

	t.Run("RejectsNonObjectPayload", func(t *testing.T) {
		assert.ErrorIs(t, validateMessage(valid(KindAccepted, `"hello"`)), ErrMessageInvalid)
		assert.ErrorIs(t, validateMessage(Message{Kind: KindAccepted, To: "bob"}), ErrMessageInvalid)
	})
}
