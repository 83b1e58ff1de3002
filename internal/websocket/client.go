package websocket

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nfrund/parley/internal/channel"
	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/registry"
)

const (
	// sendBufferSize is the per-connection outbound queue. A full buffer
	// marks the client as lagging and the frame is dropped.
	sendBufferSize = 256

	writeTimeout = 10 * time.Second
)

// Client is one live server-side WebSocket connection. It implements
// registry.Conn.
type Client struct {
	id        string
	principal domain.Principal
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	bridge    *Bridge

	// closeOnce funnels graceful close and abrupt drop into one cleanup
	// path, so unregister fires exactly once. The send channel is never
	// closed; writers race disconnects, so teardown is signalled on done.
	closeOnce sync.Once
	handle    *registry.Handle
}

func (c *Client) ID() string                  { return c.id }
func (c *Client) Principal() domain.Principal { return c.principal }

// Send queues a frame without blocking. False means the buffer is full or
// the connection is already gone.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close tears the connection down and unregisters it. Safe to call from any
// path, any number of times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.bridge.registry.Unregister(c.handle)
		c.conn.Close(websocket.StatusNormalClosure, "connection closed")
	})
}

// readPump pumps inbound frames into the channel service until the
// connection drops.
func (c *Client) readPump() {
	defer c.Close()

	for {
		_, frame, err := c.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				slog.Info("websocket closed by client", "principal", c.principal, "conn", c.id)
			} else if err != io.EOF {
				slog.Error("websocket read error", "principal", c.principal, "conn", c.id, "error", err)
			}
			return
		}
		c.bridge.dispatch(c, frame)
	}
}

// writePump drains the send channel onto the wire until teardown.
func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				slog.Error("websocket write error", "principal", c.principal, "conn", c.id, "error", err)
				c.Close()
				return
			}
		}
	}
}

var _ registry.Conn = (*Client)(nil)

// dispatch decodes one inbound frame and routes it to the channel service.
// Protocol failures degrade to an advisory error frame; they never crash the
// connection.
func (b *Bridge) dispatch(c *Client, frame []byte) {
	ev, err := channel.Decode(frame)
	if err != nil {
		slog.Warn("undecodable frame", "principal", c.principal, "conn", c.id, "error", err)
		c.Send(channel.MustEncode(channel.EventError, channel.ErrorPayload{Message: "undecodable frame"}))
		return
	}

	ctx := context.Background()
	switch ev.Name {
	case channel.EventSend:
		req, err := channel.DecodePayload[channel.SendRequest](ev)
		if err != nil {
			c.Send(channel.MustEncode(channel.EventError, channel.ErrorPayload{Message: "malformed send payload"}))
			return
		}
		if err := b.service.Send(ctx, c, req); err != nil {
			slog.Warn("send failed", "principal", c.principal, "error", err)
		}

	case channel.EventDelete:
		req, err := channel.DecodePayload[channel.DeletePayload](ev)
		if err != nil {
			c.Send(channel.MustEncode(channel.EventError, channel.ErrorPayload{Message: "malformed delete payload"}))
			return
		}
		if err := b.service.Delete(ctx, c.principal, req.ID); err != nil {
			slog.Warn("delete failed", "principal", c.principal, "id", req.ID, "error", err)
			c.Send(channel.MustEncode(channel.EventError, channel.ErrorPayload{Message: "delete failed"}))
		}

	case channel.EventUpdate:
		req, err := channel.DecodePayload[channel.UpdateRequest](ev)
		if err != nil {
			c.Send(channel.MustEncode(channel.EventError, channel.ErrorPayload{Message: "malformed update payload"}))
			return
		}
		if err := b.service.Update(ctx, c.principal, req); err != nil {
			slog.Warn("update failed", "principal", c.principal, "id", req.ID, "error", err)
			c.Send(channel.MustEncode(channel.EventError, channel.ErrorPayload{Message: "update failed"}))
		}

	default:
		c.Send(channel.MustEncode(channel.EventError, channel.ErrorPayload{Message: "unknown event: " + ev.Name}))
	}
}
