// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package meetapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiago/ringline"
)

func testClient(t *testing.T, opts ...ServerOption) *Client {
	t.Helper()
	srv := httptest.NewServer(NewServer(opts...))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func provisionChain(t *testing.T, c *Client) (string, ringline.MediaSessionInfo, []byte) {
	t.Helper()
	ctx := context.TODO()

	meetingID, err := c.CreateMeeting(ctx, "bob", "guest")
	require.NoError(t, err)
	require.NotEmpty(t, meetingID)

	sess, err := c.CreateMediaSession(ctx, meetingID)
	require.NoError(t, err)
	require.NotEmpty(t, sess.MediaSessionID)

	registered, err := c.RegisterAttendee(ctx, sess.MediaSessionID, "bob")
	require.NoError(t, err)
	return meetingID, sess, registered
}

func TestProvisionChain(t *testing.T) {
	t.Run("EnvelopeCredentials", func(t *testing.T) {
		c := testClient(t)
		_, sess, registered := provisionChain(t, c)

		// Default shape: encoded joinInfo envelope, resolved by the first
		// extractor candidate.
		ji, err := ringline.ExtractJoinInfo(registered, sess.Descriptor)
		require.NoError(t, err)
		assert.Equal(t, sess.MediaSessionID, ji.Meeting.MediaSessionID)
		assert.NotEmpty(t, ji.Meeting.MediaPlacement.AudioHostURL)
		assert.NotEmpty(t, ji.Attendee.JoinToken)
		assert.Equal(t, "bob", ji.Attendee.ExternalUserID)
	})

	t.Run("FlatCredentials", func(t *testing.T) {
		c := testClient(t, WithFlatCredentials(true))
		_, sess, registered := provisionChain(t, c)

		ji, err := ringline.ExtractJoinInfo(registered, sess.Descriptor)
		require.NoError(t, err)
		assert.Equal(t, sess.MediaSessionID, ji.Meeting.MediaSessionID)
		assert.NotEmpty(t, ji.Attendee.AttendeeID)
	})

	t.Run("DescriptorCarriesPlacement", func(t *testing.T) {
		c := testClient(t, WithMediaHost("media.test"))
		_, sess, _ := provisionChain(t, c)

		var desc ringline.MeetingDescriptor
		require.NoError(t, json.Unmarshal(sess.Descriptor, &desc))
		assert.Contains(t, desc.MediaPlacement.SignalingURL, "media.test")
	})
}

func TestServerErrors(t *testing.T) {
	c := testClient(t)
	ctx := context.TODO()

	t.Run("UnknownMeeting", func(t *testing.T) {
		_, err := c.CreateMediaSession(ctx, "no-such-meeting")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("UnknownSession", func(t *testing.T) {
		_, err := c.RegisterAttendee(ctx, "no-such-session", "bob")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("MissingUser", func(t *testing.T) {
		_, err := c.CreateMeeting(ctx, "", "guest")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "400")
	})

	t.Run("Unreachable", func(t *testing.T) {
		down := NewClient("http://127.0.0.1:1", WithHTTPClient(&http.Client{}))
		_, err := down.CreateMeeting(ctx, "bob", "guest")
		require.Error(t, err)
	})
}
