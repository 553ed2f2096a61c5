// internal/proto/subscribe.go
package proto

import (
	"encoding/json"
	"fmt"
)

// SubscribeMsg obligates the receiving peer to relay future verified writes
// whose key matches Prefix back to the sender. This is a forwarding-table
// side effect, not a local listener registration.
type SubscribeMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	ID           string `json:"id"`
	Prefix       string `json:"prefix"`
}

func EncodeSubscribeMsg(m SubscribeMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeSubscribe
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeSubscribeMsg(data []byte) (SubscribeMsg, error) {
	var m SubscribeMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return SubscribeMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeSubscribe {
		return SubscribeMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return SubscribeMsg{}, err
	}
	return m, nil
}
