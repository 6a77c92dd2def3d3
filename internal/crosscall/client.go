package crosscall

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrBrokerError is returned when the broker answers with an error frame.
var ErrBrokerError = errors.New("crosscall: broker error")

// Client is the target side of a channel. Calls are serialized; the broker
// answers each call before the next is sent.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewClient sends the hello frame carrying token over conn.
func NewClient(conn net.Conn, token string) (*Client, error) {
	if err := WriteFrame(conn, MsgHello, []byte(token)); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Call sends one call and waits for its return.
func (c *Client) Call(tag Tag, args ...Arg) (*Return, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := EncodeCall(NewCall(tag, args...))
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}
	if err := WriteFrame(c.conn, MsgCall, payload); err != nil {
		return nil, fmt.Errorf("send call: %w", err)
	}
	msgType, resp, err := ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read return: %w", err)
	}
	switch msgType {
	case MsgReturn:
		return DecodeReturn(resp)
	case MsgError:
		return nil, fmt.Errorf("%w: %s", ErrBrokerError, resp)
	default:
		return nil, fmt.Errorf("%w: unexpected frame 0x%02x", ErrProtocol, msgType)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
