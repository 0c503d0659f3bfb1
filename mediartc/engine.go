// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package mediartc is a pion backed media engine. It joins a provisioned
// media session by dialing the placement's signaling endpoint and running a
// plain SDP offer/answer exchange over it. Device selection and effects are
// out of scope; this is the narrow join/leave contract the signaling core
// expects.
package mediartc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emiago/ringline"
)

var (
	ErrNoSignalingURL = errors.New("mediartc: placement has no signaling url")
	ErrAlreadyJoined  = errors.New("mediartc: session already joined")
)

const connectTimeout = 20 * time.Second

// Engine implements ringline.MediaEngine. One engine drives at most one
// joined session at a time, matching the one-session-per-participant model of
// the signaling core.
type Engine struct {
	iceServers []webrtc.ICEServer
	log        zerolog.Logger

	mu sync.Mutex
	pc *webrtc.PeerConnection
	ws *websocket.Conn
}

type Option func(e *Engine)

func WithICEServers(servers []webrtc.ICEServer) Option {
	return func(e *Engine) { e.iceServers = servers }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		log: log.With().Str("component", "mediartc").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// signalFrame is the envelope exchanged with the media signaling endpoint.
type signalFrame struct {
	Type       string `json:"type"`
	AttendeeID string `json:"attendeeId,omitempty"`
	JoinToken  string `json:"joinToken,omitempty"`
	Role       string `json:"role,omitempty"`
	CallType   string `json:"callType,omitempty"`
	SDP        string `json:"sdp,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (e *Engine) Join(ctx context.Context, meeting ringline.MeetingDescriptor, attendee ringline.AttendeeCredential, role ringline.Role, callType ringline.CallType) error {
	sigURL := meeting.MediaPlacement.SignalingURL
	if sigURL == "" {
		return ErrNoSignalingURL
	}

	e.mu.Lock()
	if e.pc != nil {
		e.mu.Unlock()
		return ErrAlreadyJoined
	}
	e.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, sigURL, nil)
	if err != nil {
		return fmt.Errorf("mediartc: dial signaling: %w", err)
	}

	pc, err := e.newPeerConnection(callType)
	if err != nil {
		ws.Close()
		return err
	}

	if err := e.negotiate(ctx, pc, ws, attendee, role, callType); err != nil {
		pc.Close()
		ws.Close()
		return err
	}

	if err := e.waitConnected(ctx, pc); err != nil {
		pc.Close()
		ws.Close()
		return err
	}

	e.mu.Lock()
	e.pc = pc
	e.ws = ws
	e.mu.Unlock()

	e.log.Info().Str("session", meeting.MediaSessionID).Str("attendee", attendee.AttendeeID).Msg("Media session joined")
	return nil
}

// Leave tears the joined session down. Safe to call without a session.
func (e *Engine) Leave(ctx context.Context, reason string) error {
	e.mu.Lock()
	pc, ws := e.pc, e.ws
	e.pc, e.ws = nil, nil
	e.mu.Unlock()

	if pc == nil {
		return nil
	}

	if ws != nil {
		// Best effort goodbye before closing the socket.
		_ = ws.WriteJSON(signalFrame{Type: "leave", Reason: reason})
		ws.Close()
	}
	err := pc.Close()
	e.log.Info().Str("reason", reason).Msg("Media session left")
	return err
}

func (e *Engine) newPeerConnection(callType ringline.CallType) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("mediartc: register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("mediartc: create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		pc.Close()
		return nil, fmt.Errorf("mediartc: add audio transceiver: %w", err)
	}
	if callType == ringline.CallTypeVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
			pc.Close()
			return nil, fmt.Errorf("mediartc: add video transceiver: %w", err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.log.Debug().Str("kind", track.Kind().String()).Msg("Remote track started")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go e.pliLoop(pc, track)
		}
	})
	return pc, nil
}

func (e *Engine) negotiate(ctx context.Context, pc *webrtc.PeerConnection, ws *websocket.Conn, attendee ringline.AttendeeCredential, role ringline.Role, callType ringline.CallType) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("mediartc: create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("mediartc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	join := signalFrame{
		Type:       "join",
		AttendeeID: attendee.AttendeeID,
		JoinToken:  attendee.JoinToken,
		Role:       string(role),
		CallType:   string(callType),
		SDP:        pc.LocalDescription().SDP,
	}
	if err := ws.WriteJSON(join); err != nil {
		return fmt.Errorf("mediartc: send join: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	} else {
		ws.SetReadDeadline(time.Now().Add(connectTimeout))
	}
	var answer signalFrame
	if err := ws.ReadJSON(&answer); err != nil {
		return fmt.Errorf("mediartc: read answer: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	switch answer.Type {
	case "answer":
	case "error":
		return fmt.Errorf("mediartc: join refused: %s", answer.Reason)
	default:
		return fmt.Errorf("mediartc: unexpected frame %q", answer.Type)
	}

	return pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
}

func (e *Engine) waitConnected(ctx context.Context, pc *webrtc.PeerConnection) error {
	connected := make(chan struct{})
	failed := make(chan struct{})
	var once sync.Once

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Debug().Str("state", state.String()).Msg("Peer connection state")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			once.Do(func() { close(connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			once.Do(func() { close(failed) })
		}
	})

	timeout := time.NewTimer(connectTimeout)
	defer timeout.Stop()
	select {
	case <-connected:
		return nil
	case <-failed:
		return errors.New("mediartc: peer connection failed")
	case <-timeout.C:
		return errors.New("mediartc: timed out waiting for connection")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pliLoop keeps requesting keyframes for the inbound video track. Errors stop
// the loop; the connection is going away anyway.
func (e *Engine) pliLoop(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}
