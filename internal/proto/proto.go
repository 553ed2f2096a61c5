// internal/proto/proto.go
package proto

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	ProtoVersion = "0.1.0"
	Suite        = "meshdb-wire-v1"
)

// Message type tags carried in the top-level "type" field.
const (
	MsgTypePing             = "ping"
	MsgTypePong             = "pong"
	MsgTypePut              = "put"
	MsgTypeCrdtPut          = "crdt_put"
	MsgTypeGet              = "get"
	MsgTypeCrdtGet          = "crdt_get"
	MsgTypeQuery            = "query"
	MsgTypeQueryAck         = "query_ack"
	MsgTypeQueryKeys        = "query_keys"
	MsgTypeQueryKeysAck     = "query_keys_ack"
	MsgTypeSubscribe        = "subscribe"
	MsgTypeFunction         = "function"
	MsgTypeFunctionResponse = "function_response"
)

// Per-type frame caps. Anything above SoftMaxFrameSize gets type-sniffed and
// checked against these before the full payload is read.
const (
	MaxPingSize      = 8 << 10
	MaxPongSize      = 64 << 10
	MaxPutSize       = 512 << 10
	MaxGetSize       = 4 << 10
	MaxQuerySize     = 4 << 10
	MaxQueryAckSize  = 512 << 10
	MaxSubscribeSize = 4 << 10
	MaxFunctionSize  = 64 << 10
)

func MaxSizeForType(msgType string) int {
	switch msgType {
	case MsgTypePing:
		return MaxPingSize
	case MsgTypePong:
		return MaxPongSize
	case MsgTypePut, MsgTypeCrdtPut:
		return MaxPutSize
	case MsgTypeGet, MsgTypeCrdtGet:
		return MaxGetSize
	case MsgTypeQuery, MsgTypeQueryKeys:
		return MaxQuerySize
	case MsgTypeQueryAck, MsgTypeQueryKeysAck:
		return MaxQueryAckSize
	case MsgTypeSubscribe:
		return MaxSubscribeSize
	case MsgTypeFunction, MsgTypeFunctionResponse:
		return MaxFunctionSize
	default:
		return 0
	}
}

func ValidateWireMeta(protoVersion, suite string) error {
	if protoVersion != "" && protoVersion != ProtoVersion {
		return fmt.Errorf("unsupported proto_version: %s", protoVersion)
	}
	if suite != "" && suite != Suite {
		return fmt.Errorf("unsupported suite: %s", suite)
	}
	return nil
}

// NewMessageID returns the per-message random token used for acknowledgment
// and one-shot waiters.
func NewMessageID() string {
	return uuid.NewString()
}
