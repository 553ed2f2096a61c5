// internal/proto/data.go
package proto

import (
	"encoding/json"
	"fmt"
)

// PutMsg carries a signed write. The same shape serves "put" and "crdt_put";
// the type tag and the envelope's crdt_type discriminate. RelayedTo is the
// flood-relay visited set: peer addresses that have already seen this
// message and must not receive it again.
//
// CrdtChanges is the catch-up sidecar on crdt_get replies: the responder's
// accumulated change-log, sent alongside the stored envelope so the original
// author and signature stay intact. Admission is still gated by verifying
// Data; the sidecar only widens the merge.
type PutMsg struct {
	Type         string            `json:"type"`
	ProtoVersion string            `json:"proto_version"`
	Suite        string            `json:"suite"`
	ID           string            `json:"id"`
	RelayedTo    []string          `json:"relayed_to,omitempty"`
	Data         VerificationData  `json:"data"`
	CrdtChanges  []json.RawMessage `json:"crdt_changes,omitempty"`
}

type GetMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	ID           string `json:"id"`
	Key          string `json:"key"`
}

func EncodePutMsg(m PutMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypePut
	}
	if m.Type != MsgTypePut && m.Type != MsgTypeCrdtPut {
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

func DecodePutMsg(data []byte) (PutMsg, error) {
	var m PutMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return PutMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypePut && m.Type != MsgTypeCrdtPut {
		return PutMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return PutMsg{}, err
	}
	return m, nil
}

// RelayedToSet returns the visited set for membership checks.
func (m *PutMsg) RelayedToSet() map[string]struct{} {
	out := make(map[string]struct{}, len(m.RelayedTo))
	for _, id := range m.RelayedTo {
		out[id] = struct{}{}
	}
	return out
}

func encodeGetLike(m GetMsg, wantType string) ([]byte, error) {
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

func decodeGetLike(data []byte, wantType string) (GetMsg, error) {
	var m GetMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return GetMsg{}, err
	}
	if m.Type != "" && m.Type != wantType {
		return GetMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return GetMsg{}, err
	}
	return m, nil
}

func EncodeGetMsg(m GetMsg) ([]byte, error) {
	return encodeGetLike(m, MsgTypeGet)
}

func DecodeGetMsg(data []byte) (GetMsg, error) {
	return decodeGetLike(data, MsgTypeGet)
}

// CrdtGetMsg shares the get shape but asks for the accumulated change-log.
func EncodeCrdtGetMsg(m GetMsg) ([]byte, error) {
	return encodeGetLike(m, MsgTypeCrdtGet)
}

func DecodeCrdtGetMsg(data []byte) (GetMsg, error) {
	return decodeGetLike(data, MsgTypeCrdtGet)
}
