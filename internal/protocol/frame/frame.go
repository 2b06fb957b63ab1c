package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FixedHeaderLen uint16 = 32
	Magic          uint32 = 0x4B524E31 // "KRN1"
	Version        uint16 = 1
)

// MessageType distinguishes the payload carried by a frame.
type MessageType uint32

const (
	MessageCommand MessageType = iota + 1
	MessageEvent
	MessageHeartbeat
)

func (t MessageType) String() string {
	switch t {
	case MessageCommand:
		return "command"
	case MessageEvent:
		return "event"
	case MessageHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("message(%d)", uint32(t))
	}
}

var (
	ErrShortHeader         = errors.New("frame: short fixed header")
	ErrInvalidMagic        = errors.New("frame: invalid magic")
	ErrUnsupportedVersion  = errors.New("frame: unsupported version")
	ErrHeaderLenTooSmall   = errors.New("frame: header_len smaller than fixed header")
	ErrExtensionTooLarge   = errors.New("frame: header extension too large")
	ErrPayloadTooLarge     = errors.New("frame: payload too large")
	ErrUnknownMessageType  = errors.New("frame: unknown message type")
	ErrUnsupportedFlagBits = errors.New("frame: reserved flag bits set")
)

// Header is the fixed wire header. Bytes between FixedHeaderLen and
// HeaderLen are reserved extensions and are skipped by readers.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType MessageType
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// New builds a frame for payload with the current magic and version.
func New(id uint64, t MessageType, payload []byte) Frame {
	return Frame{
		Header: Header{
			Magic:       Magic,
			Version:     Version,
			MessageID:   id,
			MessageType: t,
		},
		Payload: payload,
	}
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxExtensionBytes uint64
	MaxPayloadBytes   uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxExtensionBytes: 4 * 1024,
		MaxPayloadBytes:   8 * 1024 * 1024,
	}
}

func (h Header) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: %#x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.HeaderLen < FixedHeaderLen {
		return ErrHeaderLenTooSmall
	}
	if h.Flags != 0 {
		return fmt.Errorf("%w: %#x", ErrUnsupportedFlagBits, h.Flags)
	}
	switch h.MessageType {
	case MessageCommand, MessageEvent, MessageHeartbeat:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessageType, uint32(h.MessageType))
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := h.Validate(); err != nil {
		return Frame{}, err
	}

	extLen := uint64(h.HeaderLen - FixedHeaderLen)
	if extLen > limits.MaxExtensionBytes {
		return Frame{}, ErrExtensionTooLarge
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	if extLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extLen)); err != nil {
			return Frame{}, err
		}
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = payloadLen
	if err := h.Validate(); err != nil {
		return err
	}

	buf := make([]byte, 0, int(FixedHeaderLen)+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.MessageType))
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: MessageType(binary.BigEndian.Uint32(b[16:20])),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(b[24:32]),
	}, nil
}
