package crosscall

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgCall, []byte("payload")))
	require.NoError(t, WriteFrame(&buf, MsgHello, nil))

	mt, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgCall, mt)
	assert.Equal(t, []byte("payload"), payload)

	mt, payload, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgHello, mt)
	assert.Empty(t, payload)
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	frame := []byte{MsgCall, 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := ReadFrame(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestTagValid(t *testing.T) {
	assert.False(t, TagUnused.Valid())
	assert.False(t, TagLast.Valid())
	assert.False(t, Tag(TagLast+5).Valid())
	for tag := TagUnused + 1; tag < TagLast; tag++ {
		assert.True(t, tag.Valid(), tag.String())
	}

	tag, err := ParseTag("ntcreatefile")
	require.NoError(t, err)
	assert.Equal(t, TagNtCreateFile, tag)

	_, err = ParseTag("Unused")
	assert.Error(t, err)
}

func TestSignatureCheck(t *testing.T) {
	sig := Signature{ArgWChar, ArgUint32, ArgUint32}

	assert.NoError(t, sig.Check([]Arg{WChar("a"), Uint32(1), Uint32(2)}))
	assert.Error(t, sig.Check([]Arg{WChar("a"), Uint32(1)}))
	assert.Error(t, sig.Check([]Arg{WChar("a"), Uint64(1), Uint32(2)}))
}

func TestCallAccessors(t *testing.T) {
	c := NewCall(TagNtOpenKey, WChar(`\Registry\Machine`), Uint32(7), VoidPtr(0x44), InOutPtr([]byte{1}))

	s, ok := c.String(0)
	assert.True(t, ok)
	assert.Equal(t, `\Registry\Machine`, s)

	_, ok = c.String(1)
	assert.False(t, ok, "type mismatch must not coerce")

	v, ok := c.Uint32(1)
	assert.True(t, ok)
	assert.EqualValues(t, 7, v)

	h, ok := c.Handle(2)
	assert.True(t, ok)
	assert.EqualValues(t, 0x44, h)

	_, ok = c.Buffer(9)
	assert.False(t, ok)
}

func TestReturnSetExtendedLimit(t *testing.T) {
	r := NewReturn(TagPing1, AllOK)
	require.NoError(t, r.SetExtended(1, 2))
	assert.Equal(t, []uint32{1, 2}, r.Extended)
	assert.Error(t, r.SetExtended(make([]uint32, MaxExtended+1)...))
}

func TestCodecDeterministic(t *testing.T) {
	c := NewCall(TagCreateNamedPipeW, WChar(`\\.\pipe\x`), Uint32(3))
	a, err := EncodeCall(c)
	require.NoError(t, err)
	b, err := EncodeCall(c)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	got, err := DecodeCall(a)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestServeConnectionAnswersCalls(t *testing.T) {
	srvConn, tgtConn := net.Pipe()
	defer tgtConn.Close()

	handler := HandlerFunc(func(ctx context.Context, call *Call) *Return {
		v, _ := call.Uint32(0)
		ret := NewReturn(call.Tag, AllOK)
		ret.Extended = []uint32{v + 1}
		return ret
	})

	done := make(chan error, 1)
	go func() {
		done <- ServeConnection(context.Background(), srvConn, func(token string) (Handler, error) {
			if token != "tok" {
				return nil, errors.New("unknown token")
			}
			return handler, nil
		})
	}()

	client, err := NewClient(tgtConn, "tok")
	require.NoError(t, err)

	ret, err := client.Call(TagPing1, Uint32(41))
	require.NoError(t, err)
	assert.Equal(t, AllOK, ret.Outcome)
	assert.Equal(t, []uint32{42}, ret.Extended)

	require.NoError(t, client.Close())
	assert.NoError(t, <-done)
}

func TestServeConnectionRejectsUnknownToken(t *testing.T) {
	srvConn, tgtConn := net.Pipe()
	defer tgtConn.Close()

	done := make(chan error, 1)
	go func() {
		done <- ServeConnection(context.Background(), srvConn, func(token string) (Handler, error) {
			return nil, errors.New("unknown token")
		})
	}()

	_, err := NewClient(tgtConn, "bogus")
	require.NoError(t, err)

	mt, payload, err := ReadFrame(tgtConn)
	require.NoError(t, err)
	assert.Equal(t, MsgError, mt)
	assert.Equal(t, "unknown token", string(payload))
	assert.Error(t, <-done)
}

func TestServeConnectionMalformedCall(t *testing.T) {
	srvConn, tgtConn := net.Pipe()
	defer tgtConn.Close()

	done := make(chan error, 1)
	go func() {
		done <- ServeConnection(context.Background(), srvConn, func(string) (Handler, error) {
			return HandlerFunc(func(context.Context, *Call) *Return { return nil }), nil
		})
	}()

	require.NoError(t, WriteFrame(tgtConn, MsgHello, []byte("t")))
	require.NoError(t, WriteFrame(tgtConn, MsgCall, []byte{0xFF, 0x00}))

	mt, _, err := ReadFrame(tgtConn)
	require.NoError(t, err)
	assert.Equal(t, MsgError, mt)
	assert.ErrorIs(t, <-done, ErrProtocol)
}

type disconnectRecorder struct {
	HandlerFunc
	ended chan error
}

func (d *disconnectRecorder) OnDisconnect(err error) { d.ended <- err }

func TestServeConnectionReportsDisconnect(t *testing.T) {
	srvConn, tgtConn := net.Pipe()
	defer tgtConn.Close()

	h := &disconnectRecorder{
		HandlerFunc: func(_ context.Context, call *Call) *Return { return NewReturn(call.Tag, AllOK) },
		ended:       make(chan error, 1),
	}
	done := make(chan error, 1)
	go func() {
		done <- ServeConnection(context.Background(), srvConn, func(string) (Handler, error) { return h, nil })
	}()

	require.NoError(t, WriteFrame(tgtConn, MsgHello, []byte("t")))
	require.NoError(t, WriteFrame(tgtConn, MsgReturn, nil))
	mt, _, err := ReadFrame(tgtConn)
	require.NoError(t, err)
	assert.Equal(t, MsgError, mt)

	assert.ErrorIs(t, <-done, ErrProtocol)
	assert.ErrorIs(t, <-h.ended, ErrProtocol)
}
