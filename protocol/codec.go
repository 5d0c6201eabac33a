package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxPayloadSize bounds a single tunnel message.
const MaxPayloadSize = 16 * 1024 * 1024

// Wire format: [1 byte type][4 bytes length][payload]

// WriteMessage writes a JSON encoded message using a pooled buffer so the
// header and payload leave in a single write.
func WriteMessage(w io.Writer, msgType byte, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return writeRaw(w, msgType, data)
}

// WriteFrame writes a raw frame message.
func WriteFrame(w io.Writer, frame []byte) error {
	return writeRaw(w, MsgTypeFrame, frame)
}

func writeRaw(w io.Writer, msgType byte, data []byte) error {
	if len(data) > MaxPayloadSize {
		return fmt.Errorf("payload too large: %d bytes", len(data))
	}

	bp := getMessageBuffer(messageHeaderSize + len(data))
	defer putMessageBuffer(bp)

	buf := append(*bp, msgType)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	*bp = buf

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadMessage reads one message. The returned payload is owned by the caller.
func ReadMessage(r io.Reader) (msgType byte, payload []byte, err error) {
	var header [messageHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	msgType = header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxPayloadSize {
		return 0, nil, fmt.Errorf("payload too large: %d bytes", length)
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload: %w", err)
	}
	return msgType, payload, nil
}

// DecodeMessage decodes a payload into a message structure
func DecodeMessage(payload []byte, msg interface{}) error {
	if err := json.Unmarshal(payload, msg); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ReadTypedMessage reads and decodes a message in one call
func ReadTypedMessage(r io.Reader, expectedType byte, msg interface{}) error {
	msgType, payload, err := ReadMessage(r)
	if err != nil {
		return err
	}

	if msgType != expectedType {
		if msgType == MsgTypeError {
			var em ErrorMsg
			if err := DecodeMessage(payload, &em); err == nil {
				return CodeError(em.Code, em.Message)
			}
		}
		return fmt.Errorf("unexpected message type: got 0x%02x, expected 0x%02x", msgType, expectedType)
	}

	return DecodeMessage(payload, msg)
}

// WriteOpen writes a tunnel open request
func WriteOpen(w io.Writer, msg OpenMsg) error {
	return WriteMessage(w, MsgTypeOpen, msg)
}

// WriteOpenAck writes the answer to an open request
func WriteOpenAck(w io.Writer, msg OpenAckMsg) error {
	return WriteMessage(w, MsgTypeOpenAck, msg)
}

// WriteInterrupted writes an interruption notice
func WriteInterrupted(w io.Writer, reason string) error {
	return WriteMessage(w, MsgTypeInterrupted, InterruptedMsg{Reason: reason})
}

// WriteClose writes a clean close notice
func WriteClose(w io.Writer, reason string) error {
	return WriteMessage(w, MsgTypeClose, CloseMsg{Reason: reason})
}

// WriteError writes an error message
func WriteError(w io.Writer, code, message string) error {
	return WriteMessage(w, MsgTypeError, ErrorMsg{Code: code, Message: message})
}
