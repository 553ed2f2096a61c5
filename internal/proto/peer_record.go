// internal/proto/peer_record.go
package proto

import (
	"encoding/hex"
	"strconv"
	"time"

	"meshdb/internal/crypto"
)

const peerPrefix = "meshdb:v0:peer|"

// Peer is a self-describing, signed peer advertisement. Address is the
// peer's public key, never a free-form identifier.
type Peer struct {
	Topic     string `json:"topic"`
	Timestamp int64  `json:"timestamp"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Address   string `json:"address"`
	Sig       string `json:"sig,omitempty"`
}

func peerDigest(p Peer) []byte {
	buf := make([]byte, 0, len(peerPrefix)+len(p.Topic)+len(p.Host)+len(p.Address)+32)
	buf = append(buf, []byte(peerPrefix)...)
	buf = append(buf, []byte(p.Topic)...)
	buf = append(buf, '|')
	buf = append(buf, []byte(p.Host)...)
	buf = append(buf, '|')
	buf = append(buf, []byte(strconv.Itoa(p.Port))...)
	buf = append(buf, '|')
	buf = append(buf, []byte(p.Address)...)
	buf = append(buf, '|')
	buf = append(buf, []byte(strconv.FormatInt(p.Timestamp, 10))...)
	return crypto.SHA3_256(buf)
}

// SignedPeer builds the advertisement record for the local identity.
func SignedPeer(id *crypto.Identity, topic, host string, port int) (Peer, error) {
	p := Peer{
		Topic:     topic,
		Timestamp: time.Now().UnixMilli(),
		Host:      host,
		Port:      port,
		Address:   id.Address(),
	}
	sig, err := id.Sign(peerDigest(p))
	if err != nil {
		return Peer{}, err
	}
	p.Sig = hex.EncodeToString(sig)
	return p, nil
}

// VerifyPeer checks the advertisement signature against its own address.
func VerifyPeer(p Peer) bool {
	if p.Address == "" || p.Sig == "" {
		return false
	}
	sig, err := hex.DecodeString(p.Sig)
	if err != nil {
		return false
	}
	return crypto.VerifyAddress(p.Address, peerDigest(p), sig)
}
