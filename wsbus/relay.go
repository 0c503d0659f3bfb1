// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package wsbus

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/emiago/ringline"
)

// Relay forwards envelopes between connected users. It looks only at the To
// field; payloads pass through opaque. One connection per user id; a new
// connection for the same user replaces the old one.
type Relay struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*relayClient
}

type relayClient struct {
	userID string
	conn   *websocket.Conn
	out    chan ringline.Message
	done   chan struct{}
	once   sync.Once
}

func NewRelay() *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*relayClient),
	}
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	cl := &relayClient{
		userID: userID,
		conn:   conn,
		out:    make(chan ringline.Message, 64),
		done:   make(chan struct{}),
	}
	rl.register(cl)
	log.Info().Str("user", userID).Msg("Client connected")

	go cl.writeLoop()
	rl.readLoop(cl)

	rl.unregister(cl)
	log.Info().Str("user", userID).Msg("Client disconnected")
}

func (rl *Relay) register(cl *relayClient) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if old, ok := rl.clients[cl.userID]; ok {
		old.close()
	}
	rl.clients[cl.userID] = cl
}

func (rl *Relay) unregister(cl *relayClient) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.clients[cl.userID] == cl {
		delete(rl.clients, cl.userID)
	}
	cl.close()
}

func (rl *Relay) readLoop(cl *relayClient) {
	for {
		var msg ringline.Message
		if err := cl.conn.ReadJSON(&msg); err != nil {
			return
		}
		msg.From = cl.userID

		rl.mu.Lock()
		dst, ok := rl.clients[msg.To]
		rl.mu.Unlock()
		if !ok {
			log.Warn().Str("to", msg.To).Str("kind", string(msg.Kind)).Msg("Recipient not connected, dropping")
			continue
		}

		select {
		case dst.out <- msg:
		default:
			log.Warn().Str("to", msg.To).Msg("Recipient queue full, dropping")
		}
	}
}

func (cl *relayClient) writeLoop() {
	for {
		select {
		case msg := <-cl.out:
			if err := cl.conn.WriteJSON(msg); err != nil {
				cl.close()
				return
			}
		case <-cl.done:
			return
		}
	}
}

func (cl *relayClient) close() {
	cl.once.Do(func() {
		close(cl.done)
		cl.conn.Close()
	})
}
