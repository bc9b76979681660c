package proto

import (
	cbor "github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// CodecError reports a handshake payload that could not be decoded.
// Receivers drop the fragment and keep going.
type CodecError struct {
	What string
	Err  error
}

func (e *CodecError) Error() string {
	if e.Err == nil {
		return "decode " + e.What
	}
	return "decode " + e.What + ": " + e.Err.Error()
}

func (e *CodecError) Unwrap() error { return e.Err }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   4,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func EncodeRequest(r HandshakeRequest) ([]byte, error) {
	b, err := encMode.Marshal(r)
	return b, errors.Wrap(err, "encode handshake request")
}

func EncodeReply(r HandshakeReply) ([]byte, error) {
	if (r.Ok == nil) == (r.Err == nil) {
		return nil, errors.New("encode handshake reply: exactly one of ok and err must be set")
	}
	b, err := encMode.Marshal(r)
	return b, errors.Wrap(err, "encode handshake reply")
}

// DecodeRequest rejects anything that is not exactly a request map.
func DecodeRequest(b []byte) (HandshakeRequest, error) {
	var r HandshakeRequest
	if len(b) == 0 {
		return r, &CodecError{What: "handshake request", Err: errors.New("empty payload")}
	}
	if err := decMode.Unmarshal(b, &r); err != nil {
		return HandshakeRequest{}, &CodecError{What: "handshake request", Err: err}
	}
	return r, nil
}

func DecodeReply(b []byte) (HandshakeReply, error) {
	var r HandshakeReply
	if len(b) == 0 {
		return r, &CodecError{What: "handshake reply", Err: errors.New("empty payload")}
	}
	if err := decMode.Unmarshal(b, &r); err != nil {
		return HandshakeReply{}, &CodecError{What: "handshake reply", Err: err}
	}
	if (r.Ok == nil) == (r.Err == nil) {
		return HandshakeReply{}, &CodecError{What: "handshake reply", Err: errors.New("exactly one of ok and err must be set")}
	}
	if r.Err != nil && r.Err.Kind != FailureServerFull && r.Err.Kind != FailureTooManyConnections {
		return HandshakeReply{}, &CodecError{What: "handshake reply", Err: errors.Errorf("unknown failure kind %d", r.Err.Kind)}
	}
	return r, nil
}
