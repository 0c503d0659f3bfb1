// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package meetapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/emiago/ringline"
)

// Server is the reference provisioning service: in-memory records, media
// placement derived from a configurable media host. Attendee credentials are
// answered nested under an encoded joinInfo envelope by default; flat mode
// mimics deployments that flatten them at top level.
type Server struct {
	router chi.Router

	mediaHost string
	flatCreds bool

	mu       sync.Mutex
	meetings map[string]meetingRecord
	sessions map[string]sessionRecord
}

type meetingRecord struct {
	MeetingID string
	UserID    string
	Role      ringline.Role
	CreatedAt time.Time
}

type sessionRecord struct {
	SessionID string
	MeetingID string
	Placement ringline.MediaPlacement
}

type ServerOption func(s *Server)

// WithFlatCredentials makes RegisterAttendee answer the flattened top-level
// shape instead of the encoded joinInfo envelope.
func WithFlatCredentials(flat bool) ServerOption {
	return func(s *Server) { s.flatCreds = flat }
}

// WithMediaHost sets the host placement URLs are built from.
func WithMediaHost(host string) ServerOption {
	return func(s *Server) { s.mediaHost = host }
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		mediaHost: "media.example.com",
		meetings:  make(map[string]meetingRecord),
		sessions:  make(map[string]sessionRecord),
	}
	for _, o := range opts {
		o(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/v1/meetings", s.createMeeting)
	r.Post("/v1/meetings/{meetingID}/sessions", s.createSession)
	r.Post("/v1/sessions/{sessionID}/attendees", s.registerAttendee)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) createMeeting(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string        `json:"userId"`
		Role   ringline.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rec := meetingRecord{
		MeetingID: uuid.NewString(),
		UserID:    in.UserID,
		Role:      in.Role,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.meetings[rec.MeetingID] = rec
	s.mu.Unlock()

	log.Info().Str("meeting", rec.MeetingID).Str("user", in.UserID).Msg("Meeting created")
	writeJSON(w, http.StatusCreated, map[string]string{"meetingId": rec.MeetingID})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	meetingID := chi.URLParam(r, "meetingID")

	s.mu.Lock()
	_, ok := s.meetings[meetingID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown meeting")
		return
	}

	sess := sessionRecord{
		SessionID: uuid.NewString(),
		MeetingID: meetingID,
	}
	sess.Placement = ringline.MediaPlacement{
		AudioHostURL:   "wss://" + s.mediaHost + "/audio/" + sess.SessionID,
		SignalingURL:   "wss://" + s.mediaHost + "/signal/" + sess.SessionID,
		TurnControlURL: "https://" + s.mediaHost + "/turn/" + sess.SessionID,
	}
	s.mu.Lock()
	s.sessions[sess.SessionID] = sess
	s.mu.Unlock()

	log.Info().Str("session", sess.SessionID).Str("meeting", meetingID).Msg("Media session created")
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId": sess.SessionID,
		"descriptor": ringline.MeetingDescriptor{
			MediaSessionID: sess.SessionID,
			MediaPlacement: sess.Placement,
		},
	})
}

func (s *Server) registerAttendee(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var in struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	attendee := ringline.AttendeeCredential{
		AttendeeID:     uuid.NewString(),
		ExternalUserID: in.UserID,
		JoinToken:      uuid.NewString(),
	}
	log.Info().Str("session", sessionID).Str("user", in.UserID).Msg("Attendee registered")

	if s.flatCreds {
		writeJSON(w, http.StatusCreated, map[string]any{
			"mediaSessionId": sess.SessionID,
			"mediaPlacement": sess.Placement,
			"attendeeId":     attendee.AttendeeID,
			"externalUserId": attendee.ExternalUserID,
			"joinToken":      attendee.JoinToken,
		})
		return
	}

	join, err := json.Marshal(ringline.JoinInfo{
		Meeting: ringline.MeetingDescriptor{
			MediaSessionID: sess.SessionID,
			MediaPlacement: sess.Placement,
		},
		Attendee: attendee,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode join info")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"joinInfo": base64.StdEncoding.EncodeToString(join),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
