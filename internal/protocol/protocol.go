package protocol

import (
	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"
)

// Represents the type of a frame, written as the leading varint
type MessageType uint64

const (
	// Document sync and update frames, payload owned by the merge collaborator
	MessageSync MessageType = 0

	// Presence (awareness) frames, cursors and online indicators
	MessageAwareness MessageType = 1

	// Room metadata frames, JSON encoded
	MessageMeta MessageType = 2
)

// SyncStep is the second varint of a document frame
type SyncStep uint64

const (
	// State summary, the receiver replies with what the sender is missing
	SyncStep1 SyncStep = 0

	// Reply to a step 1
	SyncStep2 SyncStep = 1

	// Incremental update broadcast
	SyncUpdate SyncStep = 2
)

var (
	ErrEmpty       = errors.New("empty frame")
	ErrTruncated   = errors.New("truncated frame")
	ErrUnknownType = errors.New("unknown message type")
	ErrUnknownStep = errors.New("unknown sync step")
)

// Frame is a decoded wire message.
type Frame struct {
	Type    MessageType
	Step    SyncStep // only meaningful for MessageSync
	Payload []byte
}

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// Decode parses a complete binary frame.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmpty
	}
	r := NewReader(data)

	typ, err := r.Uvarint()
	if err != nil {
		return Frame{}, err
	}
	frame := Frame{Type: MessageType(typ)}

	switch frame.Type {
	case MessageSync:
		step, err := r.Uvarint()
		if err != nil {
			return Frame{}, err
		}
		if step > uint64(SyncUpdate) {
			return Frame{}, errors.Wrapf(ErrUnknownStep, "step %d", step)
		}
		frame.Step = SyncStep(step)
	case MessageAwareness, MessageMeta:
	default:
		return Frame{}, errors.Wrapf(ErrUnknownType, "type %d", typ)
	}

	if frame.Payload, err = r.Bytes(); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// EncodeSync builds a document frame.
func EncodeSync(step SyncStep, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+12)
	buf = append(buf, varint.ToUvarint(uint64(MessageSync))...)
	buf = append(buf, varint.ToUvarint(uint64(step))...)
	return appendBytes(buf, payload)
}

// EncodeAwareness builds a presence frame.
func EncodeAwareness(update []byte) []byte {
	buf := make([]byte, 0, len(update)+8)
	buf = append(buf, varint.ToUvarint(uint64(MessageAwareness))...)
	return appendBytes(buf, update)
}

// EncodeMeta builds a metadata frame around an already marshalled JSON document.
func EncodeMeta(doc []byte) []byte {
	buf := make([]byte, 0, len(doc)+8)
	buf = append(buf, varint.ToUvarint(uint64(MessageMeta))...)
	return appendBytes(buf, doc)
}

func appendBytes(buf, b []byte) []byte {
	buf = append(buf, varint.ToUvarint(uint64(len(b)))...)
	return append(buf, b...)
}

// Reader walks a buffer of varints and length-prefixed byte strings. Presence
// payloads nest the same encoding, so it is exported.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Remaining reports the unread byte count.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) Uvarint() (uint64, error) {
	v, n, err := varint.FromUvarint(r.buf[r.off:])
	if err == varint.ErrUnderflow {
		return 0, ErrTruncated
	} else if err != nil {
		return 0, errors.WithMessage(err, "read varint")
	}
	r.off += n
	return v, nil
}

func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// AppendUvarint appends v as a varint.
func AppendUvarint(buf []byte, v uint64) []byte {
	return append(buf, varint.ToUvarint(v)...)
}

// AppendBytes appends a length-prefixed byte string.
func AppendBytes(buf, b []byte) []byte { return appendBytes(buf, b) }
