// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package wsbus provides signaling bus implementations: a websocket client
// and relay for real deployments, and an in-process bus for tests and demos.
package wsbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/emiago/ringline"
)

// Memory connects endpoints inside one process. Delivery is FIFO per
// recipient, which covers the per sender/recipient pair ordering the protocol
// assumes.
type Memory struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryEndpoint
	closed    bool
}

func NewMemory() *Memory {
	return &Memory{endpoints: make(map[string]*MemoryEndpoint)}
}

// Endpoint registers userID on the bus and returns its bus handle. Calling it
// twice for the same user returns the existing endpoint.
func (m *Memory) Endpoint(userID string) *MemoryEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ep, ok := m.endpoints[userID]; ok {
		return ep
	}
	ep := &MemoryEndpoint{
		bus:      m,
		userID:   userID,
		handlers: make(map[ringline.Kind][]func(ringline.Message)),
		queue:    make(chan ringline.Message, 64),
		done:     make(chan struct{}),
	}
	m.endpoints[userID] = ep
	go ep.dispatch()
	return ep
}

func (m *Memory) lookup(userID string) (*MemoryEndpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[userID]
	return ep, ok
}

// Close stops all endpoint dispatchers.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ep := range m.endpoints {
		close(ep.done)
	}
}

// MemoryEndpoint implements ringline.Bus for one user on a Memory bus.
type MemoryEndpoint struct {
	bus    *Memory
	userID string

	mu       sync.Mutex
	handlers map[ringline.Kind][]func(ringline.Message)

	queue chan ringline.Message
	done  chan struct{}
}

func (e *MemoryEndpoint) Send(ctx context.Context, to string, msg ringline.Message) error {
	peer, ok := e.bus.lookup(to)
	if !ok {
		return fmt.Errorf("wsbus: no endpoint for %q", to)
	}
	select {
	case peer.queue <- msg:
		return nil
	case <-peer.done:
		return fmt.Errorf("wsbus: endpoint %q is closed", to)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *MemoryEndpoint) Handle(kind ringline.Kind, fn func(msg ringline.Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = append(e.handlers[kind], fn)
}

func (e *MemoryEndpoint) dispatch() {
	for {
		select {
		case msg := <-e.queue:
			e.mu.Lock()
			fns := append([]func(ringline.Message){}, e.handlers[msg.Kind]...)
			e.mu.Unlock()
			if len(fns) == 0 {
				log.Debug().Str("kind", string(msg.Kind)).Str("user", e.userID).Msg("No handler for message")
			}
			for _, fn := range fns {
				fn(msg)
			}
		case <-e.done:
			return
		}
	}
}
