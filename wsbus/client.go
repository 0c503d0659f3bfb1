// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package wsbus

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emiago/ringline"
)

// Client is a websocket connection to a relay, implementing ringline.Bus.
// Messages for the connected user are read in a single loop and dispatched to
// registered handlers in arrival order.
type Client struct {
	userID string
	conn   *websocket.Conn
	log    zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[ringline.Kind][]func(ringline.Message)

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the relay at rawURL and identifies as userID.
func Dial(ctx context.Context, rawURL, userID string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsbus: parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("user", userID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("wsbus: dial relay: %w", err)
	}

	c := &Client{
		userID:   userID,
		conn:     conn,
		log:      log.With().Str("user", userID).Logger(),
		handlers: make(map[ringline.Kind][]func(ringline.Message)),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Send(ctx context.Context, to string, msg ringline.Message) error {
	if msg.From == "" {
		msg.From = c.userID
	}
	msg.To = to

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("wsbus: send %s to %s: %w", msg.Kind, to, err)
	}
	return nil
}

func (c *Client) Handle(kind ringline.Kind, fn func(msg ringline.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], fn)
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var msg ringline.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Error().Err(err).Msg("Relay connection lost")
			}
			return
		}

		c.mu.Lock()
		fns := append([]func(ringline.Message){}, c.handlers[msg.Kind]...)
		c.mu.Unlock()
		if len(fns) == 0 {
			c.log.Debug().Str("kind", string(msg.Kind)).Msg("No handler for message")
		}
		for _, fn := range fns {
			fn(msg)
		}
	}
}
