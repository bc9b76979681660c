package proto

import (
	"fmt"
	"math/rand"
)

// HandshakeRequest is published by a client on the shared handshake channel.
// Key is a per-attempt nonce used to correlate the reply.
type HandshakeRequest struct {
	Key int32 `cbor:"key"`
}

// NewHandshakeRequest returns a request carrying a fresh random key.
func NewHandshakeRequest() HandshakeRequest {
	return HandshakeRequest{Key: int32(rand.Uint32())}
}

// HandshakeResponse assigns the client its private channel pair.
type HandshakeResponse struct {
	Port         int   `cbor:"port"`
	Control      int   `cbor:"control"`
	Verification int32 `cbor:"verification"`
}

type FailureKind uint8

const (
	FailureServerFull FailureKind = iota + 1
	FailureTooManyConnections
)

func (k FailureKind) String() string {
	switch k {
	case FailureServerFull:
		return "server_full"
	case FailureTooManyConnections:
		return "too_many_connections"
	default:
		return fmt.Sprintf("failure(%d)", uint8(k))
	}
}

// FailureDetails.SessionID carries the verification value, not the raw session id.
type FailureDetails struct {
	SessionID int32 `cbor:"session_id"`
}

type Failure struct {
	Kind    FailureKind    `cbor:"kind"`
	Details FailureDetails `cbor:"details"`
}

func (f Failure) Error() string {
	return "handshake failed: " + f.Kind.String()
}

// HandshakeReply is the server answer: exactly one of Ok and Err is set.
type HandshakeReply struct {
	Ok  *HandshakeResponse `cbor:"ok,omitempty"`
	Err *Failure           `cbor:"err,omitempty"`
}

// Accept builds a successful reply.
func Accept(port, control int, verification int32) HandshakeReply {
	return HandshakeReply{Ok: &HandshakeResponse{Port: port, Control: control, Verification: verification}}
}

// Reject builds a failure reply.
func Reject(kind FailureKind, verification int32) HandshakeReply {
	return HandshakeReply{Err: &Failure{Kind: kind, Details: FailureDetails{SessionID: verification}}}
}

// Verification returns the value the reply was computed with, whichever variant it is.
func (r HandshakeReply) Verification() int32 {
	if r.Ok != nil {
		return r.Ok.Verification
	}
	if r.Err != nil {
		return r.Err.Details.SessionID
	}
	return 0
}

// Verify computes the correlation value both ends derive from a session id
// and a key. The multiplication wraps.
func Verify(sessionID, key int32) int32 {
	return sessionID * key
}
