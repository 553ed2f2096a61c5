// internal/node/handle.go
package node

import (
	"context"
	"encoding/json"
	"time"

	"meshdb/internal/debuglog"
	"meshdb/internal/metrics"
	"meshdb/internal/proto"
	"meshdb/internal/storage"
	"meshdb/internal/verify"
)

const (
	maxAdvertisedServers = 16
	functionTimeout      = 10 * time.Second
)

// HandleFrame processes one inbound frame to completion. The caller may be
// any goroutine; handling is serialized internally.
func (n *Node) HandleFrame(ctx context.Context, linkID string, frame []byte) {
	msgType, ok := proto.ExtractType(frame)
	if !ok {
		debuglog.Debugf("undecodable frame from %s dropped", linkID)
		return
	}
	n.metrics.IncRecvByType(msgType)

	n.handleMu.Lock()
	defer n.handleMu.Unlock()

	switch msgType {
	case proto.MsgTypePing:
		n.handlePing(ctx, linkID, frame)
	case proto.MsgTypePong:
		n.handlePong(ctx, linkID, frame)
	case proto.MsgTypePut, proto.MsgTypeCrdtPut:
		n.handlePut(ctx, linkID, frame)
	case proto.MsgTypeGet:
		n.handleGet(ctx, linkID, frame)
	case proto.MsgTypeCrdtGet:
		n.handleCrdtGet(ctx, linkID, frame)
	case proto.MsgTypeQuery:
		n.handleQuery(ctx, linkID, frame)
	case proto.MsgTypeQueryKeys:
		n.handleQueryKeys(ctx, linkID, frame)
	case proto.MsgTypeQueryAck:
		n.handleQueryAck(ctx, linkID, frame)
	case proto.MsgTypeQueryKeysAck:
		n.fireWaiter(frame, func(raw []byte) (string, error) {
			m, err := proto.DecodeQueryKeysAckMsg(raw)
			return m.ID, err
		})
	case proto.MsgTypeSubscribe:
		n.handleSubscribe(ctx, linkID, frame)
	case proto.MsgTypeFunction:
		n.handleFunction(ctx, linkID, frame)
	case proto.MsgTypeFunctionResponse:
		n.fireWaiter(frame, func(raw []byte) (string, error) {
			m, err := proto.DecodeFunctionResponseMsg(raw)
			return m.ID, err
		})
	default:
		debuglog.Debugf("unhandled message type %s from %s", msgType, linkID)
	}
}

func (n *Node) fireWaiter(frame []byte, extractID func([]byte) (string, error)) {
	id, err := extractID(frame)
	if err != nil || id == "" {
		return
	}
	n.listeners.FireID(id, frame)
}

func (n *Node) handlePing(ctx context.Context, linkID string, frame []byte) {
	msg, err := proto.DecodePingMsg(frame)
	if err != nil {
		debuglog.Debugf("bad ping from %s: %v", linkID, err)
		return
	}
	if msg.ClientID != "" && linkID != "" {
		n.transport.Identify(linkID, msg.ClientID)
		linkID = msg.ClientID
	}
	if msg.Peer != nil && n.book != nil {
		n.book.Upsert(*msg.Peer, true)
	}

	var servers []proto.Peer
	if n.book != nil {
		servers = n.book.List()
		if len(servers) > maxAdvertisedServers {
			servers = servers[len(servers)-maxAdvertisedServers:]
		}
	}
	out, err := proto.EncodePongMsg(proto.PongMsg{
		ID:       msg.ID,
		ClientID: n.Address(),
		IsServer: n.isServer,
		Servers:  servers,
	})
	if err != nil {
		return
	}
	if err := n.transport.SendTo(ctx, linkID, out); err != nil {
		debuglog.Debugf("pong to %s: %v", linkID, err)
	}
}

func (n *Node) handlePong(ctx context.Context, linkID string, frame []byte) {
	msg, err := proto.DecodePongMsg(frame)
	if err != nil {
		debuglog.Debugf("bad pong from %s: %v", linkID, err)
		return
	}
	if msg.ClientID != "" && linkID != "" {
		n.transport.Identify(linkID, msg.ClientID)
	}
	if n.book != nil {
		for _, p := range msg.Servers {
			n.book.Upsert(p, true)
		}
	}
	if msg.ID != "" {
		n.listeners.FireID(msg.ID, frame)
	}
}

func (n *Node) handlePut(ctx context.Context, linkID string, frame []byte) {
	msg, err := proto.DecodePutMsg(frame)
	if err != nil {
		debuglog.Debugf("bad put from %s: %v", linkID, err)
		return
	}
	if n.seen.Seen(msg.ID) {
		n.metrics.IncDropDuplicate()
		return
	}
	verdict := n.ingest(ctx, linkID, msg, frame)
	// predicate failures can be transient (predicate I/O), so those ids stay
	// re-admittable; every other verdict is final for this message
	if verdict != verify.CustomVerificationFailed {
		n.seen.Mark(msg.ID)
	}
}

// ingest is the single admission path for writes, local and remote: verify,
// merge, persist, notify, answer waiters, forward, relay.
func (n *Node) ingest(ctx context.Context, linkID string, msg proto.PutMsg, frame []byte) verify.Verdict {
	vd := msg.Data

	var previous *proto.VerificationData
	if rec, err := n.store.Get(vd.Key); err == nil {
		prev := rec.Data
		previous = &prev
	}

	verdict := n.verifier.Verify(ctx, &vd, previous)
	n.recordVerdict(vd, verdict)
	if verdict != verify.Verified {
		debuglog.Debugf("write to %q from %s rejected: %s", vd.Key, linkID, verdict)
		return verdict
	}

	rec := storage.Record{Data: vd}
	notifyValue := vd.Value

	if vd.CrdtType != "" {
		var changes []json.RawMessage
		if err := json.Unmarshal(vd.Value, &changes); err != nil {
			debuglog.Debugf("crdt write to %q carries no change list", vd.Key)
			n.metrics.IncDropData()
			return verify.InvalidData
		}
		c, err := n.loadCRDT(vd.Key, vd.CrdtType)
		if err != nil {
			debuglog.Debugf("crdt write to %q: %v", vd.Key, err)
			n.metrics.IncDropData()
			return verify.InvalidData
		}
		c.MergeChanges(changes)
		if len(msg.CrdtChanges) > 0 {
			c.MergeChanges(msg.CrdtChanges)
		}
		rec.CrdtChanges = c.Changes()
		notifyValue = c.Value()
	}

	if err := n.store.Put(rec); err != nil {
		debuglog.Errorf("persist %q: %v", vd.Key, err)
		return verify.InvalidData
	}

	n.listeners.Notify(vd.Key, notifyValue)
	n.metrics.IncListenersFired()

	if frame == nil {
		if vd.CrdtType != "" {
			msg.Type = proto.MsgTypeCrdtPut
		}
		frame, _ = proto.EncodePutMsg(msg)
	}
	if msg.ID != "" && frame != nil {
		n.listeners.FireID(msg.ID, frame)
	}

	// push to peers that subscribed to this prefix
	for _, target := range n.matchingSubs(vd.Key, linkID) {
		if err := n.transport.SendTo(ctx, target, frame); err != nil {
			debuglog.Debugf("forward %q to %s: %v", vd.Key, target, err)
		}
	}

	if n.isServer {
		n.relay(ctx, linkID, msg)
	}
	return verify.Verified
}

// relay floods a verified write onward, excluding every peer recorded in
// relayed_to and the link it arrived on.
func (n *Node) relay(ctx context.Context, sourceLink string, msg proto.PutMsg) {
	visited := msg.RelayedToSet()
	if _, ok := visited[n.Address()]; !ok {
		msg.RelayedTo = append(msg.RelayedTo, n.Address())
	}
	exclude := make(map[string]struct{}, len(visited)+2)
	for id := range visited {
		exclude[id] = struct{}{}
	}
	if sourceLink != "" {
		exclude[sourceLink] = struct{}{}
	}
	exclude[n.Address()] = struct{}{}

	out, err := proto.EncodePutMsg(msg)
	if err != nil {
		return
	}
	if sent := n.transport.Broadcast(ctx, out, exclude); sent > 0 {
		n.metrics.IncRelayed()
	}
}

func (n *Node) recordVerdict(vd proto.VerificationData, verdict verify.Verdict) {
	switch verdict {
	case verify.Verified:
		n.metrics.IncVerified()
	case verify.InvalidData:
		n.metrics.IncDropData()
	case verify.InvalidHashNonce:
		n.metrics.IncDropHash()
	case verify.NoProofOfWork:
		n.metrics.IncDropPow()
	case verify.InvalidTimestamp:
		n.metrics.IncDropTimestamp()
	case verify.InvalidSignature:
		n.metrics.IncDropSignature()
	case verify.AddressMismatch:
		n.metrics.IncDropNamespace()
	case verify.CantOverwrite:
		n.metrics.IncDropFrozen()
	case verify.CustomVerificationFailed:
		n.metrics.IncDropPredicate()
	}
	n.metrics.Recent().Add(metrics.WriteHeader{
		Key:     vd.Key,
		Author:  vd.Author,
		Verdict: verdict.String(),
		At:      time.Now().UnixMilli(),
	})
}

func (n *Node) handleGet(ctx context.Context, linkID string, frame []byte) {
	msg, err := proto.DecodeGetMsg(frame)
	if err != nil {
		debuglog.Debugf("bad get from %s: %v", linkID, err)
		return
	}
	rec, err := n.store.Get(msg.Key)
	if err != nil {
		return // nothing stored, nothing to say
	}
	msgType := proto.MsgTypePut
	if rec.Data.CrdtType != "" {
		msgType = proto.MsgTypeCrdtPut
	}
	out, err := proto.EncodePutMsg(proto.PutMsg{
		Type:        msgType,
		ID:          msg.ID,
		Data:        rec.Data,
		CrdtChanges: rec.CrdtChanges,
	})
	if err != nil {
		return
	}
	if err := n.transport.SendTo(ctx, linkID, out); err != nil {
		debuglog.Debugf("get reply to %s: %v", linkID, err)
	}
}

// handleCrdtGet answers with the stored envelope plus the full accumulated
// change-log. The envelope keeps its original author and signature; the
// requester verifies it against the key's namespace like any other write,
// then merges the sidecar log in one step.
func (n *Node) handleCrdtGet(ctx context.Context, linkID string, frame []byte) {
	msg, err := proto.DecodeCrdtGetMsg(frame)
	if err != nil {
		debuglog.Debugf("bad crdt_get from %s: %v", linkID, err)
		return
	}
	rec, err := n.store.Get(msg.Key)
	if err != nil || rec.Data.CrdtType == "" {
		return
	}
	out, err := proto.EncodePutMsg(proto.PutMsg{
		Type:        proto.MsgTypeCrdtPut,
		ID:          msg.ID,
		Data:        rec.Data,
		CrdtChanges: rec.CrdtChanges,
	})
	if err != nil {
		return
	}
	if err := n.transport.SendTo(ctx, linkID, out); err != nil {
		debuglog.Debugf("crdt_get reply to %s: %v", linkID, err)
	}
}

func (n *Node) handleQuery(ctx context.Context, linkID string, frame []byte) {
	msg, err := proto.DecodeQueryMsg(frame)
	if err != nil {
		debuglog.Debugf("bad query from %s: %v", linkID, err)
		return
	}
	recs, err := n.store.Query(msg.Prefix)
	if err != nil {
		return
	}
	data := make([]proto.VerificationData, 0, len(recs))
	for _, rec := range recs {
		data = append(data, rec.Data)
	}
	out, err := proto.EncodeQueryAckMsg(proto.QueryAckMsg{ID: msg.ID, Data: data})
	if err != nil {
		return
	}
	if err := n.transport.SendTo(ctx, linkID, out); err != nil {
		debuglog.Debugf("query ack to %s: %v", linkID, err)
	}
}

func (n *Node) handleQueryKeys(ctx context.Context, linkID string, frame []byte) {
	msg, err := proto.DecodeQueryKeysMsg(frame)
	if err != nil {
		debuglog.Debugf("bad query_keys from %s: %v", linkID, err)
		return
	}
	keys, err := n.store.Keys(msg.Prefix)
	if err != nil {
		return
	}
	out, err := proto.EncodeQueryKeysAckMsg(proto.QueryKeysAckMsg{ID: msg.ID, Keys: keys})
	if err != nil {
		return
	}
	if err := n.transport.SendTo(ctx, linkID, out); err != nil {
		debuglog.Debugf("query_keys ack to %s: %v", linkID, err)
	}
}

// handleQueryAck adopts every returned envelope through the normal
// admission path before waking the waiter, so queried state is verified
// state.
func (n *Node) handleQueryAck(ctx context.Context, linkID string, frame []byte) {
	msg, err := proto.DecodeQueryAckMsg(frame)
	if err != nil {
		debuglog.Debugf("bad query_ack from %s: %v", linkID, err)
		return
	}
	for _, vd := range msg.Data {
		n.ingest(ctx, linkID, proto.PutMsg{Data: vd}, nil)
	}
	if msg.ID != "" {
		n.listeners.FireID(msg.ID, frame)
	}
}

func (n *Node) handleSubscribe(ctx context.Context, linkID string, frame []byte) {
	msg, err := proto.DecodeSubscribeMsg(frame)
	if err != nil {
		debuglog.Debugf("bad subscribe from %s: %v", linkID, err)
		return
	}
	if linkID == "" {
		return
	}
	n.addSub(msg.Prefix, linkID)
}

func (n *Node) handleFunction(ctx context.Context, linkID string, frame []byte) {
	msg, err := proto.DecodeFunctionMsg(frame)
	if err != nil {
		debuglog.Debugf("bad function call from %s: %v", linkID, err)
		return
	}
	resp := proto.FunctionResponseMsg{ID: msg.ID, Code: proto.FunctionNotFound}
	if fn, ok := n.function(msg.Name); ok {
		fctx, cancel := context.WithTimeout(ctx, functionTimeout)
		ret, err := fn(fctx, msg.Args)
		cancel()
		if err != nil {
			resp.Code = proto.FunctionErr
			errJSON, _ := json.Marshal(err.Error())
			resp.Return = errJSON
		} else {
			resp.Code = proto.FunctionOK
			resp.Return = ret
		}
	}
	out, err := proto.EncodeFunctionResponseMsg(resp)
	if err != nil {
		return
	}
	if err := n.transport.SendTo(ctx, linkID, out); err != nil {
		debuglog.Debugf("function response to %s: %v", linkID, err)
	}
}
