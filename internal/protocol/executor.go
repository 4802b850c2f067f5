package protocol

import (
	"errors"
	"time"

	"rx63nprog/internal/transport"
)

// reply is the generic, uninterpreted result of an executor call. The
// session layer interprets reply.payload / reply.tag / reply.code
// according to the command it issued; the executor performs no
// command-specific parsing.
type reply struct {
	// tag is the first reply byte: the short-OK byte, the framed
	// reply's tag byte, or the success/error tag for a
	// ShortOKOrErrorPair exchange.
	tag byte
	// ok is true when tag equals the caller's successTag (only
	// meaningful for expectShortOKOrErrorPair).
	ok bool
	// code is the error-pair's second byte, valid only when !ok.
	code byte
	// payload is the framed reply's payload, valid only for
	// expectFramedPayload.
	payload []byte
}

// executor is a generic framed-RPC pump: it writes a request and
// reads exactly enough bytes to satisfy the given expectation. It
// performs no command-specific parsing.
type executor struct {
	t transport.Transport
}

func newExecutor(t transport.Transport) *executor {
	return &executor{t: t}
}

// readFull reads exactly len(buf) bytes, composing as many
// transport.Read calls as needed, since a read is not guaranteed to
// return the requested size in one call.
func (e *executor) readFull(buf []byte, deadline time.Duration) error {
	read := 0
	for read < len(buf) {
		n, err := e.t.Read(buf[read:], deadline)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				return newErr(KindTransportTimeout, err)
			}
			return newErr(KindTransportIO, err)
		}
		read += n
	}
	return nil
}

// execute emits req and reads a reply shaped per exp. successTag is
// only consulted for expectShortOKOrErrorPair.
func (e *executor) execute(req []byte, exp expectation, successTag byte, deadline time.Duration) (reply, error) {
	if err := e.t.Write(req); err != nil {
		return reply{}, newErr(KindTransportIO, err)
	}

	var first [1]byte
	if err := e.readFull(first[:], deadline); err != nil {
		return reply{}, err
	}

	switch exp {
	case expectShortOK:
		return reply{tag: first[0]}, nil

	case expectShortOKOrErrorPair:
		if first[0] == successTag {
			return reply{tag: first[0], ok: true}, nil
		}
		var code [1]byte
		if err := e.readFull(code[:], deadline); err != nil {
			return reply{}, err
		}
		return reply{tag: first[0], ok: false, code: code[0]}, nil

	case expectFramedPayload:
		var lenByte [1]byte
		if err := e.readFull(lenByte[:], deadline); err != nil {
			return reply{}, err
		}
		n := int(lenByte[0])
		rest := make([]byte, n+1) // payload + checksum
		if err := e.readFull(rest, deadline); err != nil {
			return reply{}, err
		}
		whole := make([]byte, 0, 2+n+1)
		whole = append(whole, first[0], lenByte[0])
		whole = append(whole, rest...)
		if !verifyChecksum(whole) {
			return reply{}, newErr(KindProtocolChecksum, nil)
		}
		return reply{tag: first[0], payload: rest[:n]}, nil

	default:
		return reply{}, newErr(KindProtocolFraming, errors.New("unknown expectation"))
	}
}
