// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package mediartc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiago/ringline"
)

func TestJoinValidation(t *testing.T) {
	e := NewEngine()

	t.Run("RequiresSignalingURL", func(t *testing.T) {
		err := e.Join(context.TODO(), ringline.MeetingDescriptor{
			MediaSessionID: "s1",
			MediaPlacement: ringline.MediaPlacement{AudioHostURL: "wss://audio"},
		}, ringline.AttendeeCredential{}, "guest", ringline.CallTypeAudio)
		assert.ErrorIs(t, err, ErrNoSignalingURL)
	})

	t.Run("DialFailureSurfaces", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err := e.Join(ctx, ringline.MeetingDescriptor{
			MediaSessionID: "s1",
			MediaPlacement: ringline.MediaPlacement{SignalingURL: "ws://127.0.0.1:1/signal"},
		}, ringline.AttendeeCredential{AttendeeID: "a1"}, "guest", ringline.CallTypeAudio)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dial signaling")
	})
}

func TestLeaveWithoutJoin(t *testing.T) {
	e := NewEngine()
	assert.NoError(t, e.Leave(context.TODO(), "shutdown"))
	assert.NoError(t, e.Leave(context.TODO(), "shutdown"))
}
