// internal/node/api.go
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"meshdb/internal/listener"
	"meshdb/internal/proto"
	"meshdb/internal/storage"
	"meshdb/internal/verify"
)

// ErrNotFound mirrors the storage sentinel for callers that never touch the
// storage package directly.
var (
	ErrNotFound  = storage.ErrNotFound
	ErrTimeout   = errors.New("node: request timed out")
	ErrNoHandler = errors.New("node: no function handler")
)

// Put signs and admits a write locally, then pushes it to the mesh. The
// local node applies the same verification as any peer would.
func (n *Node) Put(ctx context.Context, key string, value json.RawMessage) (*proto.VerificationData, error) {
	return n.put(ctx, key, value, "")
}

// CrdtPut signs and admits a change-list for a replicated key.
func (n *Node) CrdtPut(ctx context.Context, key, crdtType string, changes []json.RawMessage) (*proto.VerificationData, error) {
	if !n.crdts.Known(crdtType) {
		return nil, fmt.Errorf("unknown crdt type: %s", crdtType)
	}
	value, err := json.Marshal(changes)
	if err != nil {
		return nil, err
	}
	return n.put(ctx, key, value, crdtType)
}

func (n *Node) put(ctx context.Context, key string, value json.RawMessage, crdtType string) (*proto.VerificationData, error) {
	vd, err := proto.NewSigned(n.id, key, value, crdtType, n.powBits)
	if err != nil {
		return nil, err
	}
	msgType := proto.MsgTypePut
	if crdtType != "" {
		msgType = proto.MsgTypeCrdtPut
	}
	msg := proto.PutMsg{
		Type:      msgType,
		ID:        proto.NewMessageID(),
		RelayedTo: []string{n.Address()},
		Data:      *vd,
	}
	frame, err := proto.EncodePutMsg(msg)
	if err != nil {
		return nil, err
	}

	n.seen.CheckAndMark(msg.ID)
	n.handleMu.Lock()
	verdict := n.ingest(ctx, "", msg, frame)
	n.handleMu.Unlock()
	if verdict != verify.Verified {
		return nil, fmt.Errorf("write rejected: %s", verdict)
	}

	// servers already flooded inside ingest
	if !n.isServer {
		n.transport.Broadcast(ctx, frame, map[string]struct{}{n.Address(): {}})
	}
	return vd, nil
}

// request broadcasts frame and blocks until a peer's answer has been
// processed, the timeout lapses, or ctx is done. The answer itself arrives
// through the normal handler path; the waiter only signals that it did.
func (n *Node) request(ctx context.Context, id string, frame []byte) {
	ch := make(chan struct{}, 1)
	n.listeners.AwaitID(id, func(json.RawMessage) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	defer n.listeners.CancelID(id)

	if n.transport.Broadcast(ctx, frame, nil) == 0 {
		return // nobody to ask
	}
	select {
	case <-ch:
	case <-time.After(n.reqTimeout):
	case <-ctx.Done():
	}
}

// Get returns the current value for key: the materialized view for
// replicated keys, the stored value otherwise. The mesh is asked first;
// whatever arrives in time is admitted and then read back locally.
func (n *Node) Get(ctx context.Context, key string) (json.RawMessage, error) {
	id := proto.NewMessageID()
	frame, err := proto.EncodeGetMsg(proto.GetMsg{ID: id, Key: key})
	if err != nil {
		return nil, err
	}
	n.request(ctx, id, frame)

	rec, err := n.store.Get(key)
	if err != nil {
		return nil, err
	}
	if rec.Data.CrdtType != "" {
		n.handleMu.Lock()
		defer n.handleMu.Unlock()
		c, err := n.loadCRDT(key, rec.Data.CrdtType)
		if err != nil {
			return nil, err
		}
		return c.Value(), nil
	}
	return rec.Data.Value, nil
}

// GetRecord is Get without materialization: the stored signed envelope.
func (n *Node) GetRecord(ctx context.Context, key string) (*proto.VerificationData, error) {
	id := proto.NewMessageID()
	frame, err := proto.EncodeGetMsg(proto.GetMsg{ID: id, Key: key})
	if err != nil {
		return nil, err
	}
	n.request(ctx, id, frame)

	rec, err := n.store.Get(key)
	if err != nil {
		return nil, err
	}
	vd := rec.Data
	return &vd, nil
}

// CrdtGet pulls the full change-log for key from the mesh, merges it, and
// returns the materialized value.
func (n *Node) CrdtGet(ctx context.Context, key, crdtType string) (json.RawMessage, error) {
	if !n.crdts.Known(crdtType) {
		return nil, fmt.Errorf("unknown crdt type: %s", crdtType)
	}
	id := proto.NewMessageID()
	frame, err := proto.EncodeCrdtGetMsg(proto.GetMsg{Type: proto.MsgTypeCrdtGet, ID: id, Key: key})
	if err != nil {
		return nil, err
	}
	n.request(ctx, id, frame)

	n.handleMu.Lock()
	defer n.handleMu.Unlock()
	if _, err := n.store.Get(key); err != nil {
		return nil, err
	}
	c, err := n.loadCRDT(key, crdtType)
	if err != nil {
		return nil, err
	}
	return c.Value(), nil
}

// Query returns every stored envelope under prefix, refreshing from the
// mesh first.
func (n *Node) Query(ctx context.Context, prefix string) ([]proto.VerificationData, error) {
	id := proto.NewMessageID()
	frame, err := proto.EncodeQueryMsg(proto.QueryMsg{ID: id, Prefix: prefix})
	if err != nil {
		return nil, err
	}
	n.request(ctx, id, frame)

	recs, err := n.store.Query(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]proto.VerificationData, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Data)
	}
	return out, nil
}

// QueryKeys returns the key names under prefix known locally or by the
// first peer to answer.
func (n *Node) QueryKeys(ctx context.Context, prefix string) ([]string, error) {
	id := proto.NewMessageID()
	frame, err := proto.EncodeQueryKeysMsg(proto.QueryMsg{Type: proto.MsgTypeQueryKeys, ID: id, Prefix: prefix})
	if err != nil {
		return nil, err
	}

	ch := make(chan json.RawMessage, 1)
	n.listeners.AwaitID(id, func(p json.RawMessage) {
		select {
		case ch <- p:
		default:
		}
	})
	defer n.listeners.CancelID(id)

	merged := make(map[string]struct{})
	local, err := n.store.Keys(prefix)
	if err != nil {
		return nil, err
	}
	for _, k := range local {
		merged[k] = struct{}{}
	}

	if n.transport.Broadcast(ctx, frame, nil) > 0 {
		select {
		case payload := <-ch:
			if ack, err := proto.DecodeQueryKeysAckMsg(payload); err == nil {
				for _, k := range ack.Keys {
					merged[k] = struct{}{}
				}
			}
		case <-time.After(n.reqTimeout):
		case <-ctx.Done():
		}
	}

	out := make([]string, 0, len(merged))
	for k := range merged {
		out = append(out, k)
	}
	return out, nil
}

// Subscribe asks every connected peer to push verified writes under prefix.
// Pair it with On to observe them.
func (n *Node) Subscribe(ctx context.Context, prefix string) error {
	frame, err := proto.EncodeSubscribeMsg(proto.SubscribeMsg{
		ID:     proto.NewMessageID(),
		Prefix: prefix,
	})
	if err != nil {
		return err
	}
	n.transport.Broadcast(ctx, frame, nil)
	return nil
}

// On registers a local callback for verified writes under prefix.
func (n *Node) On(prefix string, fn listener.Callback) int64 {
	return n.listeners.On(prefix, fn)
}

func (n *Node) Off(id int64) {
	n.listeners.Off(id)
}

// RegisterPredicate appends a custom verification step for keys under
// prefix. The returned handle unregisters it.
func (n *Node) RegisterPredicate(prefix string, p verify.Predicate) *verify.Handle {
	return n.verifier.RegisterPredicate(prefix, p)
}

// Ping introduces this node on a link and waits for the pong, adopting any
// advertised servers along the way.
func (n *Node) Ping(ctx context.Context, linkID string) error {
	id := proto.NewMessageID()
	frame, err := proto.EncodePingMsg(proto.PingMsg{
		ID:       id,
		ClientID: n.Address(),
		IsServer: n.isServer,
		Peer:     n.selfPeer,
	})
	if err != nil {
		return err
	}

	ch := make(chan struct{}, 1)
	n.listeners.AwaitID(id, func(json.RawMessage) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	defer n.listeners.CancelID(id)

	if err := n.transport.SendTo(ctx, linkID, frame); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-time.After(n.reqTimeout):
		return fmt.Errorf("ping to %s: %w", linkID, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallFunction executes a named function: locally when registered here,
// otherwise on the first peer that answers.
func (n *Node) CallFunction(ctx context.Context, name string, args json.RawMessage) (string, json.RawMessage, error) {
	if fn, ok := n.function(name); ok {
		ret, err := fn(ctx, args)
		if err != nil {
			return proto.FunctionErr, nil, err
		}
		return proto.FunctionOK, ret, nil
	}

	id := proto.NewMessageID()
	frame, err := proto.EncodeFunctionMsg(proto.FunctionMsg{ID: id, Name: name, Args: args})
	if err != nil {
		return "", nil, err
	}

	ch := make(chan json.RawMessage, 1)
	n.listeners.AwaitID(id, func(p json.RawMessage) {
		select {
		case ch <- p:
		default:
		}
	})
	defer n.listeners.CancelID(id)

	if n.transport.Broadcast(ctx, frame, nil) == 0 {
		return proto.FunctionNotFound, nil, fmt.Errorf("function %s: %w", name, ErrNoHandler)
	}
	select {
	case payload := <-ch:
		resp, err := proto.DecodeFunctionResponseMsg(payload)
		if err != nil {
			return "", nil, err
		}
		switch resp.Code {
		case proto.FunctionErr:
			var msg string
			_ = json.Unmarshal(resp.Return, &msg)
			return resp.Code, nil, fmt.Errorf("function %s: %s", name, msg)
		case proto.FunctionNotFound:
			return resp.Code, nil, fmt.Errorf("function %s: %w", name, ErrNoHandler)
		}
		return resp.Code, resp.Return, nil
	case <-time.After(n.reqTimeout):
		return "", nil, fmt.Errorf("function %s: %w", name, ErrTimeout)
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}
