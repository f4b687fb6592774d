// Package client is a small line-oriented client for the chat relay, used by
// the chatclient command and by tests.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// Broadcast is one line relayed by the server.
type Broadcast struct {
	Peer    string
	Message protocol.ChatMessage
	Raw     string
}

// Client is a connection to a chat relay. Send and Receive may be used from
// different goroutines, but each must not be called concurrently with itself.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the relay at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// LocalAddr is the address the server sees as this client's peer identifier.
func (c *Client) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

// Send writes msg in the structured wire form.
func (c *Client) Send(msg protocol.ChatMessage) error {
	payload, err := protocol.Serialize(msg)
	if err != nil {
		return err
	}
	return c.write(payload)
}

// SendLine writes text as-is followed by the delimiter. It is how legacy
// "sender: content" lines are sent.
func (c *Client) SendLine(text string) error {
	return c.write([]byte(text))
}

func (c *Client) write(p []byte) error {
	line := make([]byte, 0, len(p)+1)
	line = append(line, p...)
	line = append(line, protocol.Delimiter)
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// ReceiveLine returns the next raw line without its delimiter. It gives up when
// ctx is done.
func (c *Client) ReceiveLine(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = c.conn.SetReadDeadline(time.Time{})
	}()

	line, err := c.r.ReadBytes(protocol.Delimiter)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return line[:len(line)-1], nil
}

// Receive reads the next broadcast and splits it into peer and message.
func (c *Client) Receive(ctx context.Context) (Broadcast, error) {
	line, err := c.ReceiveLine(ctx)
	if err != nil {
		return Broadcast{}, err
	}

	peer, msg, err := protocol.SplitBroadcast(line)
	if err != nil {
		return Broadcast{Raw: string(line)}, err
	}
	return Broadcast{Peer: peer, Message: msg, Raw: string(line)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
