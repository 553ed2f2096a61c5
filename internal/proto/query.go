// internal/proto/query.go
package proto

import (
	"encoding/json"
	"fmt"
)

// QueryMsg asks for the stored envelopes under a key prefix; QueryKeysMsg
// asks for the key names only.
type QueryMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	ID           string `json:"id"`
	Prefix       string `json:"prefix"`
}

type QueryAckMsg struct {
	Type         string             `json:"type"`
	ProtoVersion string             `json:"proto_version"`
	Suite        string             `json:"suite"`
	ID           string             `json:"id"`
	Data         []VerificationData `json:"data"`
}

type QueryKeysAckMsg struct {
	Type         string   `json:"type"`
	ProtoVersion string   `json:"proto_version"`
	Suite        string   `json:"suite"`
	ID           string   `json:"id"`
	Keys         []string `json:"keys"`
}

func encodeQueryLike(m QueryMsg, wantType string) ([]byte, error) {
	if m.Type == "" {
		m.Type = wantType
	}
	if m.Type != wantType {
		return nil, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func decodeQueryLike(data []byte, wantType string) (QueryMsg, error) {
	var m QueryMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return QueryMsg{}, err
	}
	if m.Type != "" && m.Type != wantType {
		return QueryMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return QueryMsg{}, err
	}
	return m, nil
}

func EncodeQueryMsg(m QueryMsg) ([]byte, error) {
	return encodeQueryLike(m, MsgTypeQuery)
}

func DecodeQueryMsg(data []byte) (QueryMsg, error) {
	return decodeQueryLike(data, MsgTypeQuery)
}

func EncodeQueryKeysMsg(m QueryMsg) ([]byte, error) {
	return encodeQueryLike(m, MsgTypeQueryKeys)
}

func DecodeQueryKeysMsg(data []byte) (QueryMsg, error) {
	return decodeQueryLike(data, MsgTypeQueryKeys)
}

func EncodeQueryAckMsg(m QueryAckMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeQueryAck
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeQueryAckMsg(data []byte) (QueryAckMsg, error) {
	var m QueryAckMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return QueryAckMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeQueryAck {
		return QueryAckMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return QueryAckMsg{}, err
	}
	return m, nil
}

func EncodeQueryKeysAckMsg(m QueryKeysAckMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeQueryKeysAck
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeQueryKeysAckMsg(data []byte) (QueryKeysAckMsg, error) {
	var m QueryKeysAckMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return QueryKeysAckMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeQueryKeysAck {
		return QueryKeysAckMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return QueryKeysAckMsg{}, err
	}
	return m, nil
}
