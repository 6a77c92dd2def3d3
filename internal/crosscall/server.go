package crosscall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// Handler receives every decoded call arriving on one bound connection.
// It must always produce a Return; errors are expressed through Outcome.
type Handler interface {
	OnMessageReady(ctx context.Context, call *Call) *Return
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) *Return

func (f HandlerFunc) OnMessageReady(ctx context.Context, call *Call) *Return {
	return f(ctx, call)
}

// DisconnectHandler is implemented by handlers that want to know how their
// connection ended. err is nil for a clean disconnect and wraps
// ErrProtocol when the target sent a malformed frame.
type DisconnectHandler interface {
	OnDisconnect(err error)
}

// Binder resolves the token presented in a hello frame to the handler for
// that target's channel.
type Binder func(token string) (Handler, error)

// ErrProtocol marks a connection that sent something other than a
// well-formed call after binding.
var ErrProtocol = errors.New("crosscall: protocol violation")

// ServeConnection handles one target connection. It waits for the hello
// frame, binds the connection, then answers calls one at a time until the
// peer disconnects or the context is cancelled.
func ServeConnection(ctx context.Context, conn net.Conn, bind Binder) (err error) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	msgType, payload, err := ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("waiting for hello: %w", err)
	}
	if msgType != MsgHello {
		sendError(conn, "expected hello")
		return fmt.Errorf("%w: expected hello (0x%02x), got 0x%02x", ErrProtocol, MsgHello, msgType)
	}
	h, err := bind(string(payload))
	if err != nil {
		sendError(conn, err.Error())
		return fmt.Errorf("bind connection: %w", err)
	}
	if dh, ok := h.(DisconnectHandler); ok {
		defer func() { dh.OnDisconnect(err) }()
	}

	for {
		msgType, payload, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read call: %w", err)
		}
		if msgType != MsgCall {
			sendError(conn, "expected call")
			return fmt.Errorf("%w: unexpected frame 0x%02x", ErrProtocol, msgType)
		}
		call, err := DecodeCall(payload)
		if err != nil {
			sendError(conn, "malformed call")
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}

		ret := h.OnMessageReady(ctx, call)
		if ret == nil {
			ret = NewReturn(call.Tag, ErrorGeneric)
		}
		out, err := EncodeReturn(ret)
		if err != nil {
			return fmt.Errorf("encode return: %w", err)
		}
		if err := WriteFrame(conn, MsgReturn, out); err != nil {
			return fmt.Errorf("write return: %w", err)
		}
	}
}

// sendError sends an error message frame to the target.
func sendError(conn net.Conn, msg string) {
	_ = WriteFrame(conn, MsgError, []byte(msg))
}

// Server accepts target connections on a listener. Each connection is
// served on its own goroutine; calls within a connection are sequential.
type Server struct {
	ln     net.Listener
	bind   Binder
	logger *slog.Logger

	// OnClose, if set, is called after a connection ends with the error
	// ServeConnection returned.
	OnClose func(err error)

	wg sync.WaitGroup
}

// NewServer wraps ln. A nil logger discards output.
func NewServer(ln net.Listener, bind Binder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{ln: ln, bind: bind, logger: logger}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := ServeConnection(ctx, conn, s.bind)
			if err != nil {
				s.logger.Warn("crosscall connection ended", "error", err)
			}
			if s.OnClose != nil {
				s.OnClose(err)
			}
		}()
	}
}
