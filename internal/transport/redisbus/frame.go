package redisbus

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

type frameKind byte

const (
	kindSetup frameKind = iota + 1
	kindData
	kindHeartbeat
	kindClose
)

const frameHeaderLen = 5

func (k frameKind) String() string {
	switch k {
	case kindSetup:
		return "setup"
	case kindData:
		return "data"
	case kindHeartbeat:
		return "heartbeat"
	case kindClose:
		return "close"
	default:
		return "unknown"
	}
}

func encodeFrame(kind frameKind, session int32, payload []byte) []byte {
	b := make([]byte, frameHeaderLen+len(payload))
	b[0] = byte(kind)
	binary.BigEndian.PutUint32(b[1:5], uint32(session))
	copy(b[frameHeaderLen:], payload)
	return b
}

func decodeFrame(b []byte) (frameKind, int32, []byte, error) {
	if len(b) < frameHeaderLen {
		return 0, 0, nil, errors.Errorf("frame too short: %d bytes", len(b))
	}
	kind := frameKind(b[0])
	if kind < kindSetup || kind > kindClose {
		return 0, 0, nil, errors.Errorf("%s frame kind %d", kind, b[0])
	}
	session := int32(binary.BigEndian.Uint32(b[1:5]))
	return kind, session, b[frameHeaderLen:], nil
}
