// Package ws pulls an Annex B stream from a WebSocket server. Every binary
// message is one chunk of the stream and is acknowledged with a text "OK"
// once the pipeline has taken it. The client reconnects after unexpected
// closes and keeps the same ingest stream, so the decoder survives a
// dropped connection.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/h264feed/internal/ingest"
)

// DefaultReconnectDelay is the pause between a lost connection and the next
// dial.
const DefaultReconnectDelay = 200 * time.Millisecond

var ack = []byte("OK")

// Client feeds one WebSocket source into the ingest registry.
type Client struct {
	log      *slog.Logger
	url      string
	key      string
	registry *ingest.Registry

	// ReconnectDelay overrides DefaultReconnectDelay when positive.
	ReconnectDelay time.Duration
	// Header is sent with every handshake.
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// NewClient creates a client for url that publishes under key. If log is
// nil, slog.Default() is used.
func NewClient(url, key string, registry *ingest.Registry, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:      log.With("component", "ws-ingest", "url", url),
		url:      url,
		key:      key,
		registry: registry,
	}
}

// Run registers the stream and feeds it until ctx is cancelled or the
// pipeline stops reading. Cancellation is a clean stop and returns nil.
func (c *Client) Run(ctx context.Context) error {
	stream, err := c.registry.Register(c.key, ingest.ProtocolWS)
	if err != nil {
		return err
	}
	defer c.registry.Unregister(c.key)

	delay := c.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	for {
		err := c.session(ctx, stream)
		if ctx.Err() != nil {
			return nil
		}
		var pe *pipeError
		if errors.As(err, &pe) {
			return pe.err
		}
		c.log.Info("connection lost, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// pipeError marks a failure on the pipeline side, which ends Run.
type pipeError struct{ err error }

func (e *pipeError) Error() string { return e.err.Error() }

func (c *Client) session(ctx context.Context, stream *ingest.Stream) error {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.url, c.Header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	c.log.Info("connected", "stream_key", c.key)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if _, err := stream.Write(data); err != nil {
			c.log.Warn("pipe write error", "stream_key", c.key, "error", err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "decoder gone"),
				time.Now().Add(time.Second))
			return &pipeError{err}
		}
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
	}
}
