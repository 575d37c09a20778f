package keysearch

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxMessageLen bounds every buffer carried by a Problem message.
const MaxMessageLen = 256

// MessageKind tags a wire message.
type MessageKind uint8

const (
	MsgProblem MessageKind = iota + 1
	MsgWorkRequest
	MsgWorkBlock
	MsgTerminate
	MsgFoundCandidate
	MsgFoundBroadcast
)

func (k MessageKind) String() string {
	switch k {
	case MsgProblem:
		return "problem"
	case MsgWorkRequest:
		return "work_request"
	case MsgWorkBlock:
		return "work_block"
	case MsgTerminate:
		return "terminate"
	case MsgFoundCandidate:
		return "found_candidate"
	case MsgFoundBroadcast:
		return "found_broadcast"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

// TerminateReason says why a worker is asked to stop.
type TerminateReason uint8

const (
	// ReasonExhausted: no unassigned range remains.
	ReasonExhausted TerminateReason = iota + 1
	// ReasonTimedOut: the wall-clock deadline elapsed.
	ReasonTimedOut
	// ReasonAborted: the orchestrator was cancelled.
	ReasonAborted
)

func (r TerminateReason) String() string {
	switch r {
	case ReasonExhausted:
		return "exhausted"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TerminateReason(%d)", uint8(r))
	}
}

// Message is the decoded form of every frame exchanged between the
// orchestrator and the workers. Only the fields relevant to Kind are encoded.
type Message struct {
	Kind    MessageKind
	Worker  RoleID          // MsgWorkRequest
	Block   KeyRange        // MsgWorkBlock
	Key     uint64          // MsgFoundCandidate, MsgFoundBroadcast
	Reason  TerminateReason // MsgTerminate
	Problem Problem         // MsgProblem
}

// Terminal reports whether the message ends a worker's lifecycle.
func (m Message) Terminal() bool {
	return m.Kind == MsgTerminate || m.Kind == MsgFoundBroadcast
}

// ProblemMessage builds the initial distribution frame.
func ProblemMessage(p Problem) Message { return Message{Kind: MsgProblem, Problem: p} }

// WorkRequestMessage builds the "I am idle" frame for worker id.
func WorkRequestMessage(id RoleID) Message { return Message{Kind: MsgWorkRequest, Worker: id} }

// WorkBlockMessage builds a block assignment.
func WorkBlockMessage(r KeyRange) Message { return Message{Kind: MsgWorkBlock, Block: r} }

// TerminateMessage builds a stop signal.
func TerminateMessage(reason TerminateReason) Message {
	return Message{Kind: MsgTerminate, Reason: reason}
}

// FoundCandidateMessage builds a worker's confirmed-key report.
func FoundCandidateMessage(key uint64) Message { return Message{Kind: MsgFoundCandidate, Key: key} }

// FoundBroadcastMessage builds the orchestrator's found notice.
func FoundBroadcastMessage(key uint64) Message { return Message{Kind: MsgFoundBroadcast, Key: key} }

// MarshalBinary encodes m as [version][kind][payload] with big-endian
// integers and u32 length-prefixed byte strings.
func (m Message) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 18)
	buf = append(buf, ProtocolVersion, byte(m.Kind))
	switch m.Kind {
	case MsgProblem:
		for _, b := range [][]byte{m.Problem.Ciphertext, m.Problem.Plaintext, m.Problem.Hint} {
			if len(b) > MaxMessageLen {
				return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLong, len(b))
			}
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
			buf = append(buf, b...)
		}
	case MsgWorkRequest:
		buf = binary.BigEndian.AppendUint32(buf, uint32(m.Worker))
	case MsgWorkBlock:
		if m.Block.Upper < m.Block.Lower {
			return nil, fmt.Errorf("%w: inverted block %s", ErrMalformedMessage, m.Block)
		}
		buf = binary.BigEndian.AppendUint64(buf, m.Block.Lower)
		buf = binary.BigEndian.AppendUint64(buf, m.Block.Upper)
	case MsgTerminate:
		buf = append(buf, byte(m.Reason))
	case MsgFoundCandidate, MsgFoundBroadcast:
		buf = binary.BigEndian.AppendUint64(buf, m.Key)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, m.Kind)
	}
	return buf, nil
}

// ParseMessage decodes a frame produced by MarshalBinary.
func ParseMessage(b []byte) (Message, error) {
	if len(b) < 2 {
		return Message{}, fmt.Errorf("%w: short frame (%d bytes)", ErrMalformedMessage, len(b))
	}
	if b[0] != ProtocolVersion {
		return Message{}, fmt.Errorf("%w: protocol version %d", ErrMalformedMessage, b[0])
	}
	m := Message{Kind: MessageKind(b[1])}
	p := b[2:]
	switch m.Kind {
	case MsgProblem:
		var fields [3][]byte
		for i := range fields {
			if len(p) < 4 {
				return Message{}, fmt.Errorf("%w: truncated problem", ErrMalformedMessage)
			}
			n := binary.BigEndian.Uint32(p)
			p = p[4:]
			if n > MaxMessageLen || uint64(n) > uint64(len(p)) {
				return Message{}, fmt.Errorf("%w: problem field length %d", ErrMalformedMessage, n)
			}
			fields[i] = append([]byte(nil), p[:n]...)
			p = p[n:]
		}
		m.Problem = Problem{Ciphertext: fields[0], Plaintext: fields[1], Hint: fields[2]}
	case MsgWorkRequest:
		if len(p) < 4 {
			return Message{}, fmt.Errorf("%w: truncated work request", ErrMalformedMessage)
		}
		m.Worker = RoleID(binary.BigEndian.Uint32(p))
		p = p[4:]
	case MsgWorkBlock:
		if len(p) < 16 {
			return Message{}, fmt.Errorf("%w: truncated work block", ErrMalformedMessage)
		}
		m.Block = KeyRange{Lower: binary.BigEndian.Uint64(p), Upper: binary.BigEndian.Uint64(p[8:])}
		if m.Block.Upper < m.Block.Lower {
			return Message{}, fmt.Errorf("%w: inverted block %s", ErrMalformedMessage, m.Block)
		}
		p = p[16:]
	case MsgTerminate:
		if len(p) < 1 {
			return Message{}, fmt.Errorf("%w: truncated terminate", ErrMalformedMessage)
		}
		m.Reason = TerminateReason(p[0])
		if m.Reason < ReasonExhausted || m.Reason > ReasonAborted {
			return Message{}, fmt.Errorf("%w: terminate reason %d", ErrMalformedMessage, p[0])
		}
		p = p[1:]
	case MsgFoundCandidate, MsgFoundBroadcast:
		if len(p) < 8 {
			return Message{}, fmt.Errorf("%w: truncated %s", ErrMalformedMessage, m.Kind)
		}
		m.Key = binary.BigEndian.Uint64(p)
		p = p[8:]
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, b[1])
	}
	if len(p) != 0 {
		return Message{}, fmt.Errorf("%w: %d trailing bytes after %s", ErrMalformedMessage, len(p), m.Kind)
	}
	return m, nil
}

// RoleFromIndex converts a party index to a RoleID.
func RoleFromIndex(idx int) (RoleID, error) {
	if idx < 0 {
		return 0, fmt.Errorf("keysearch: negative role index %d", idx)
	}
	if uint64(idx) > math.MaxUint32 {
		return 0, fmt.Errorf("keysearch: role index %d exceeds 32-bit capacity", idx)
	}
	return RoleID(idx), nil
}
