// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ringline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// busRecorder implements Bus and records outbound messages, while letting a
// test deliver inbound ones.
type busRecorder struct {
	mu       sync.Mutex
	handlers map[Kind][]func(Message)
	sent     []Message
}

func newBusRecorder() *busRecorder {
	return &busRecorder{handlers: make(map[Kind][]func(Message))}
}

func (b *busRecorder) Send(ctx context.Context, to string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	return nil
}

func (b *busRecorder) Handle(kind Kind, fn func(msg Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], fn)
}

// deliver invokes the registered handlers as the transport would.
func (b *busRecorder) deliver(msg Message) {
	b.mu.Lock()
	fns := append([]func(Message){}, b.handlers[msg.Kind]...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (b *busRecorder) countOf(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.sent {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func (b *busRecorder) lastOf(kind Kind) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].Kind == kind {
			return b.sent[i], true
		}
	}
	return Message{}, false
}

func (b *busRecorder) waitFor(t *testing.T, kind Kind) Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.countOf(kind) > 0
	}, time.Second, 5*time.Millisecond, "no %s message sent", kind)
	msg, _ := b.lastOf(kind)
	return msg
}

func testMessage(t *testing.T, kind Kind, to string, payload any) Message {
	t.Helper()
	msg, err := newMessage(kind, to, payload)
	require.NoError(t, err)
	return msg
}

func decodePayload[T any](t *testing.T, msg Message) T {
	t.Helper()
	var p T
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	return p
}

// fakeProvisioner answers the three provisioning calls. Unset hooks fall back
// to a valid flat-credential response.
type fakeProvisioner struct {
	createMeeting func(ctx context.Context, userID string, role Role) (string, error)
	createSession func(ctx context.Context, meetingID string) (MediaSessionInfo, error)
	register      func(ctx context.Context, mediaSessionID, userID string) (json.RawMessage, error)
}

func (f *fakeProvisioner) CreateMeeting(ctx context.Context, userID string, role Role) (string, error) {
	if f.createMeeting != nil {
		return f.createMeeting(ctx, userID, role)
	}
	return "meeting-1", nil
}

func (f *fakeProvisioner) CreateMediaSession(ctx context.Context, meetingID string) (MediaSessionInfo, error) {
	if f.createSession != nil {
		return f.createSession(ctx, meetingID)
	}
	return MediaSessionInfo{
		MediaSessionID: "session-1",
		Descriptor:     json.RawMessage(`{"mediaSessionId":"session-1","mediaPlacement":{"audioHostUrl":"wss://audio.test"}}`),
	}, nil
}

func (f *fakeProvisioner) RegisterAttendee(ctx context.Context, mediaSessionID, userID string) (json.RawMessage, error) {
	if f.register != nil {
		return f.register(ctx, mediaSessionID, userID)
	}
	return json.RawMessage(`{"mediaSessionId":"session-1","mediaPlacement":{"audioHostUrl":"wss://audio.test"},"attendeeId":"att-` + userID + `","joinToken":"tok"}`), nil
}

type joinCall struct {
	meeting  MeetingDescriptor
	attendee AttendeeCredential
	role     Role
	callType CallType
}

// fakeMedia records joins and leaves.
type fakeMedia struct {
	mu      sync.Mutex
	joinErr error
	joins   []joinCall
	leaves  []string
}

func (f *fakeMedia) Join(ctx context.Context, meeting MeetingDescriptor, attendee AttendeeCredential, role Role, callType CallType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, joinCall{meeting, attendee, role, callType})
	return f.joinErr
}

func (f *fakeMedia) Leave(ctx context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, reason)
	return nil
}

func (f *fakeMedia) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakeMedia) lastJoin() joinCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins[len(f.joins)-1]
}

// noteRecorder collects notifications emitted by the engine.
type noteRecorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *noteRecorder) fn() Notifier {
	return func(note Notification) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.notes = append(n.notes, note)
	}
}

func (n *noteRecorder) count(state, substate string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, note := range n.notes {
		if note.State == state && note.Substate == substate {
			c++
		}
	}
	return c
}

func (n *noteRecorder) last() (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notes) == 0 {
		return Notification{}, false
	}
	return n.notes[len(n.notes)-1], true
}

func currentInvite(t *testing.T, r *Ringline) CallInvite {
	t.Helper()
	ch := make(chan CallInvite, 1)
	r.post(func() {
		if r.invite != nil {
			ch <- *r.invite
			return
		}
		ch <- CallInvite{}
	})
	select {
	case inv := <-ch:
		return inv
	case <-time.After(time.Second):
		t.Fatal("engine loop did not answer")
		return CallInvite{}
	}
}

func waitPhase(t *testing.T, r *Ringline, phase string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Session().Phase == phase
	}, time.Second, 5*time.Millisecond, "session never reached phase %s", phase)
}

func testRingline(t *testing.T, user string, bus *busRecorder, opts ...RinglineOption) *Ringline {
	t.Helper()
	r := NewRingline(Profile{ID: user, Name: user}, bus, opts...)
	t.Cleanup(r.Close)
	return r
}

func testInitiate(t *testing.T, caller, callee string) Message {
	t.Helper()
	msg := testMessage(t, KindInitiate, callee, InitiatePayload{
		CallType: CallTypeVideo,
		CallerID: caller,
		CalleeID: callee,
		Role:     "host",
		CallerData: &Profile{
			ID:   caller,
			Name: caller,
		},
	})
	msg.From = caller
	return msg
}
