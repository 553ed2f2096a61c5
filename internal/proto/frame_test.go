package proto

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestFrameRoundtrip(t *testing.T) {
	payload := []byte(`{"type":"ping","id":"x"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestEncodeFrameRejectsEmptyAndOversized(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected empty payload to fail")
	}
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatalf("expected oversized payload to fail")
	}
}

func TestReadFrameWithTypeCapRejectsOversizedType(t *testing.T) {
	big := []byte(`{"type":"get","id":"x","pad":"` + strings.Repeat("a", SoftMaxFrameSize) + `"}`)
	frame, err := EncodeFrame(big)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = ReadFrameWithTypeCap(bytes.NewReader(frame), SoftMaxFrameSize, MaxSizeForType)
	if err == nil {
		t.Fatalf("expected get above its type cap to fail")
	}

	bigPut := []byte(`{"type":"put","id":"x","pad":"` + strings.Repeat("a", SoftMaxFrameSize) + `"}`)
	frame, err = EncodeFrame(bigPut)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := ReadFrameWithTypeCap(bytes.NewReader(frame), SoftMaxFrameSize, MaxSizeForType)
	if err != nil {
		t.Fatalf("expected put under its type cap to pass, got %v", err)
	}
	if !bytes.Equal(got, bigPut) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("expected oversized length to fail")
	}
	binary.BigEndian.PutUint32(hdr[:], 0)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("expected zero length to fail")
	}
}

func TestExtractTypeFromTruncatedJSON(t *testing.T) {
	prefix := []byte(`{"type":"crdt_put","id":"abc","data":{"key":"ro`)
	msgType, ok := extractType(prefix)
	if !ok || msgType != MsgTypeCrdtPut {
		t.Fatalf("expected type sniff on truncated JSON, got %q %v", msgType, ok)
	}
}
