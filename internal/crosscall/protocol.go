package crosscall

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire protocol message types between a target and the broker.
// Frame format: [1 byte type][4 bytes length big-endian][payload]
const (
	MsgHello  = byte(0x01) // target -> broker: connection token
	MsgCall   = byte(0x02) // target -> broker: CBOR Call
	MsgReturn = byte(0x03) // broker -> target: CBOR Return
	MsgError  = byte(0x04) // broker -> target: error message, connection closes
)

// headerSize is the size of the frame header: 1 byte type + 4 bytes length.
const headerSize = 5

// maxPayload rejects frames larger than 16 MiB.
const maxPayload = 16 << 20

// MakeFrame constructs a wire protocol frame from a message type and payload.
func MakeFrame(msgType byte, payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	frame[0] = msgType
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame
}

// WriteFrame writes a single frame to w.
func WriteFrame(w io.Writer, msgType byte, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("frame payload too large: %d bytes", len(payload))
	}
	_, err := w.Write(MakeFrame(msgType, payload))
	return err
}

// ReadFrame reads a single wire protocol frame from the reader, returning
// the message type and payload. Returns io.EOF if the connection is closed.
func ReadFrame(r io.Reader) (msgType byte, payload []byte, err error) {
	header := make([]byte, headerSize)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	msgType = header[0]
	length := binary.BigEndian.Uint32(header[1:5])

	if length > maxPayload {
		return 0, nil, fmt.Errorf("frame payload too large: %d bytes", length)
	}

	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return msgType, payload, nil
}
