// internal/proto/function.go
package proto

import (
	"encoding/json"
	"fmt"
)

// Function call result codes.
const (
	FunctionOK       = "OK"
	FunctionErr      = "ERR"
	FunctionNotFound = "NOT_FOUND"
)

type FunctionMsg struct {
	Type         string          `json:"type"`
	ProtoVersion string          `json:"proto_version"`
	Suite        string          `json:"suite"`
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Args         json.RawMessage `json:"args,omitempty"`
}

type FunctionResponseMsg struct {
	Type         string          `json:"type"`
	ProtoVersion string          `json:"proto_version"`
	Suite        string          `json:"suite"`
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	Return       json.RawMessage `json:"return,omitempty"`
}

func EncodeFunctionMsg(m FunctionMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeFunction
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeFunctionMsg(data []byte) (FunctionMsg, error) {
	var m FunctionMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return FunctionMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeFunction {
		return FunctionMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return FunctionMsg{}, err
	}
	return m, nil
}

func EncodeFunctionResponseMsg(m FunctionResponseMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeFunctionResponse
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	switch m.Code {
	case FunctionOK, FunctionErr, FunctionNotFound:
	default:
		return nil, fmt.Errorf("unexpected function code: %s", m.Code)
	}
	return json.Marshal(m)
}

func DecodeFunctionResponseMsg(data []byte) (FunctionResponseMsg, error) {
	var m FunctionResponseMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return FunctionResponseMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeFunctionResponse {
		return FunctionResponseMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return FunctionResponseMsg{}, err
	}
	return m, nil
}
