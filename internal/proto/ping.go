// internal/proto/ping.go
package proto

import (
	"encoding/json"
	"fmt"
)

type PingMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	IsServer     bool   `json:"is_server"`
	Peer         *Peer  `json:"peer,omitempty"`
}

type PongMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	IsServer     bool   `json:"is_server"`
	Servers      []Peer `json:"servers,omitempty"`
}

func EncodePingMsg(m PingMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypePing
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodePingMsg(data []byte) (PingMsg, error) {
	var m PingMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return PingMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypePing {
		return PingMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return PingMsg{}, err
	}
	return m, nil
}

func EncodePongMsg(m PongMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypePong
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodePongMsg(data []byte) (PongMsg, error) {
	var m PongMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return PongMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypePong {
		return PongMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return PongMsg{}, err
	}
	return m, nil
}
