// Package protocol implements the framed binary wire protocol spoken on the
// daemon's local sockets: command ingress (bridge <-> daemon) and side-effect
// publishing (daemon <-> publisher sidecar).
//
// All multi-byte fields are little-endian. Every frame is preceded by a
// 4-byte length prefix that excludes itself, followed by a fixed 24-byte
// header: type(1) + flags(1) + reserved(2) + id(16) + payload_len(4).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// Frame type identifiers.
	TypeCommand    = 0x01
	TypeDecision   = 0x02
	TypeSideEffect = 0x03
	TypePublishAck = 0x04

	// HeaderSize is the fixed frame header length, excluding the 4-byte
	// length prefix.
	HeaderSize = 24

	// LengthPrefixSize is the size of the leading total-length field.
	LengthPrefixSize = 4

	// MaxFrameSize caps one frame (header + payload). Anything larger is
	// treated as stream corruption, not a frame to wait for.
	MaxFrameSize = 1 << 20
)

var (
	ErrIncompleteFrame    = errors.New("incomplete frame")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrInvalidFrameType   = errors.New("invalid frame type")
	ErrInvalidDecision    = errors.New("invalid decision value")
	ErrInvalidStatus      = errors.New("invalid status value")
	ErrPayloadLenMismatch = errors.New("payload length mismatch")
)

// Decision is the daemon's verdict on an inbound command.
type Decision uint8

const (
	Acknowledge Decision = 0x01
	Reject      Decision = 0x02
)

func (d Decision) String() string {
	switch d {
	case Acknowledge:
		return "ACKNOWLEDGE"
	case Reject:
		return "REJECT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(d))
	}
}

// PublishStatus is the publisher sidecar's report for one side effect.
type PublishStatus uint8

const (
	PublishSuccess PublishStatus = 0x01
	PublishFailed  PublishStatus = 0x02
)

func (s PublishStatus) String() string {
	switch s {
	case PublishSuccess:
		return "SUCCESS"
	case PublishFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// encodeFrame lays out the shared wire format. The second header byte is
// frame-specific (flags, decision, or status).
func encodeFrame(frameType, second uint8, id uuid.UUID, payload []byte) []byte {
	totalLen := HeaderSize + len(payload)
	buf := make([]byte, LengthPrefixSize+totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	buf[4] = frameType
	buf[5] = second
	// buf[6:8] reserved, zeroed
	copy(buf[8:24], id[:])
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(payload)))
	copy(buf[28:], payload)

	return buf
}

// decodeFrame validates the shared layout and returns the second header
// byte, the frame id, and a copy of the payload.
func decodeFrame(data []byte, wantType uint8) (second uint8, id uuid.UUID, payload []byte, err error) {
	if len(data) < HeaderSize {
		return 0, uuid.Nil, nil, fmt.Errorf("frame too short: got %d bytes, need at least %d", len(data), HeaderSize)
	}
	if data[0] != wantType {
		return 0, uuid.Nil, nil, fmt.Errorf("%w: expected 0x%02x, got 0x%02x", ErrInvalidFrameType, wantType, data[0])
	}

	second = data[1]
	// reserved bytes [2:4] skipped
	copy(id[:], data[4:20])

	payloadLen := binary.LittleEndian.Uint32(data[20:24])
	if expected := HeaderSize + int(payloadLen); len(data) != expected {
		return 0, uuid.Nil, nil, fmt.Errorf("%w: header says %d bytes, got %d", ErrPayloadLenMismatch, expected, len(data))
	}
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		copy(payload, data[24:])
	}
	return second, id, payload, nil
}

// CommandFrame carries an encrypted command from the ingress bridge to the
// daemon. The bridge generates CommandID and never inspects the payload.
type CommandFrame struct {
	CommandID        uuid.UUID
	Flags            uint8
	EncryptedPayload []byte
}

func (f *CommandFrame) Encode() []byte {
	return encodeFrame(TypeCommand, f.Flags, f.CommandID, f.EncryptedPayload)
}

// ParseCommandFrame parses a CommandFrame from raw frame data. The data must
// not include the length prefix (use ReadFrame first).
func ParseCommandFrame(data []byte) (*CommandFrame, error) {
	flags, id, payload, err := decodeFrame(data, TypeCommand)
	if err != nil {
		return nil, err
	}
	return &CommandFrame{CommandID: id, Flags: flags, EncryptedPayload: payload}, nil
}

// DecisionFrame carries the daemon's decision back to the ingress bridge,
// correlated by CommandID.
type DecisionFrame struct {
	CommandID uuid.UUID
	Decision  Decision
	Result    []byte
}

func (f *DecisionFrame) Encode() []byte {
	return encodeFrame(TypeDecision, uint8(f.Decision), f.CommandID, f.Result)
}

// ParseDecisionFrame parses a DecisionFrame from raw frame data.
func ParseDecisionFrame(data []byte) (*DecisionFrame, error) {
	second, id, payload, err := decodeFrame(data, TypeDecision)
	if err != nil {
		return nil, err
	}
	decision := Decision(second)
	if decision != Acknowledge && decision != Reject {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidDecision, second)
	}
	return &DecisionFrame{CommandID: id, Decision: decision, Result: payload}, nil
}

// SideEffectFrame carries one JSON-encoded side effect from the daemon to
// the publisher sidecar.
type SideEffectFrame struct {
	EffectID    uuid.UUID
	Flags       uint8
	JSONPayload []byte
}

func (f *SideEffectFrame) Encode() []byte {
	return encodeFrame(TypeSideEffect, f.Flags, f.EffectID, f.JSONPayload)
}

// ParseSideEffectFrame parses a SideEffectFrame from raw frame data.
func ParseSideEffectFrame(data []byte) (*SideEffectFrame, error) {
	flags, id, payload, err := decodeFrame(data, TypeSideEffect)
	if err != nil {
		return nil, err
	}
	return &SideEffectFrame{EffectID: id, Flags: flags, JSONPayload: payload}, nil
}

// PublishAckFrame reports the publish outcome for one side effect back to
// the daemon, correlated by EffectID.
type PublishAckFrame struct {
	EffectID     uuid.UUID
	Status       PublishStatus
	ErrorMessage string
}

func (f *PublishAckFrame) Encode() []byte {
	return encodeFrame(TypePublishAck, uint8(f.Status), f.EffectID, []byte(f.ErrorMessage))
}

// ParsePublishAckFrame parses a PublishAckFrame from raw frame data.
func ParsePublishAckFrame(data []byte) (*PublishAckFrame, error) {
	second, id, payload, err := decodeFrame(data, TypePublishAck)
	if err != nil {
		return nil, err
	}
	status := PublishStatus(second)
	if status != PublishSuccess && status != PublishFailed {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidStatus, second)
	}
	return &PublishAckFrame{EffectID: id, Status: status, ErrorMessage: string(payload)}, nil
}

// ReadFrame attempts to extract one complete frame from buf. It returns the
// frame data without the length prefix and the number of bytes consumed.
// ErrIncompleteFrame means more bytes are needed; callers keep the buffer
// and retry after the next read. Any other error means the stream is not
// frame-aligned here; callers skip one byte and resync.
func ReadFrame(buf []byte) (data []byte, consumed int, err error) {
	if len(buf) < LengthPrefixSize {
		return nil, 0, ErrIncompleteFrame
	}

	frameLen := binary.LittleEndian.Uint32(buf[0:4])
	if frameLen < HeaderSize {
		return nil, 0, fmt.Errorf("%w: header says %d bytes, need at least %d", ErrPayloadLenMismatch, frameLen, HeaderSize)
	}
	if frameLen > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameLen)
	}
	if len(buf) > LengthPrefixSize {
		// The type byte is cheap validation before waiting on a length
		// that may be garbage.
		if t := buf[LengthPrefixSize]; t < TypeCommand || t > TypePublishAck {
			return nil, 0, fmt.Errorf("%w: 0x%02x", ErrInvalidFrameType, t)
		}
	}

	totalLen := LengthPrefixSize + int(frameLen)
	if len(buf) < totalLen {
		return nil, 0, ErrIncompleteFrame
	}

	return buf[LengthPrefixSize:totalLen], totalLen, nil
}
