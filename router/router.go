// Package router decides what happens to every inbound wire frame: merge it
// into a local reassembly, relay it onward with a decremented hop budget,
// acknowledge it, or drop it as duplicate, malformed or expired.
package router

import (
	"time"

	"github.com/user/meshdrop/frame"
	"github.com/user/meshdrop/inbox"
	"github.com/user/meshdrop/ledger"
	"github.com/user/meshdrop/logger"
	"github.com/user/meshdrop/transport"
)

// Saver is the storage collaborator: given reassembled bytes and the
// declared type tag it returns a stable file location.
type Saver interface {
	Save(transferID, originalType string, data []byte) (string, error)
}

// State tracks a transfer's lifecycle as observed at this node
type State int

const (
	StateUnknown State = iota
	StateReassembling
	StateDelivered
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateReassembling:
		return "reassembling"
	case StateDelivered:
		return "delivered"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// transferState is the per-transfer record for frames observed at this node
type transferState struct {
	state        State
	asm          *frame.Assembler
	upstream     string // peer the first frame arrived from; acks go back this way
	relay        bool
	finalTTL     uint8
	lastActivity time.Time
}

// Config holds router bounds
type Config struct {
	// SeenCacheSize bounds the recently-seen-frame dedup cache
	SeenCacheSize int
}

// Router owns per-transfer receive state. It must only be driven from a
// single goroutine (the engine run loop); nothing here locks.
type Router struct {
	localID   frame.ID
	prefix    string
	ledg      *ledger.Ledger
	inbx      *inbox.Inbox
	store     Saver
	tr        transport.Transport
	transfers map[frame.ID]*transferState
	seen      *seenCache
}

// New wires a router to its collaborators
func New(localID frame.ID, cfg Config, ledg *ledger.Ledger, inbx *inbox.Inbox, store Saver, tr transport.Transport) *Router {
	return &Router{
		localID:   localID,
		prefix:    localID.Short(),
		ledg:      ledg,
		inbx:      inbx,
		store:     store,
		tr:        tr,
		transfers: make(map[frame.ID]*transferState),
		seen:      newSeenCache(cfg.SeenCacheSize),
	}
}

// TransferState reports the lifecycle state observed for a transfer
func (r *Router) TransferState(transferID frame.ID) State {
	ts, ok := r.transfers[transferID]
	if !ok {
		return StateUnknown
	}
	return ts.state
}

// HandleFrame processes one inbound wire frame. Malformed frames are logged
// and dropped; no error here may affect another transfer's state.
func (r *Router) HandleFrame(frameBytes []byte, from string) {
	f, err := frame.Decode(frameBytes)
	if err != nil {
		logger.Warn(r.prefix, "dropping malformed frame from %s: %v", from, err)
		return
	}

	switch f.Kind {
	case frame.KindData:
		r.handleData(f, from)
	case frame.KindAck:
		r.handleAck(f, from)
	}
}

func (r *Router) handleData(f *frame.Frame, from string) {
	if f.Origin == r.localID {
		// Our own transfer looped back through the mesh
		return
	}

	ts, known := r.transfers[f.TransferID]

	if !known {
		if f.TTL == 0 {
			// Hop budget exhausted before reassembly: terminal, never relayed
			r.transfers[f.TransferID] = &transferState{state: StateExpired, lastActivity: time.Now()}
			logger.Debug(r.prefix, "transfer %s expired on arrival (ttl=0)", f.TransferID.Short())
			return
		}
		ts = &transferState{
			state:    StateReassembling,
			asm:      frame.NewAssembler(),
			upstream: from,
			relay:    !(f.HasRecipient && f.Recipient == r.localID),
		}
		r.transfers[f.TransferID] = ts
		logger.Debug(r.prefix, "transfer %s: first frame from %s (ttl=%d, relay=%v)",
			f.TransferID.Short(), from, f.TTL, ts.relay)
	}
	ts.lastActivity = time.Now()

	switch ts.state {
	case StateExpired:
		// Terminal dead end; never relayed again
		return
	case StateDelivered:
		// Idempotent re-ack, never re-delivered to the inbox
		if r.deliverable(f) {
			r.sendAck(ts, f, true)
		}
		return
	}

	if f.TTL == 0 {
		// An exhausted frame may never complete a reassembly; a fresher
		// copy of the same chunk can still arrive with budget left.
		logger.Debug(r.prefix, "transfer %s: dropping exhausted frame %d", f.TransferID.Short(), f.SequenceIndex)
		return
	}

	freshOnWire := r.seen.Add(seenKey{transferID: f.TransferID, seq: f.SequenceIndex, kind: f.Kind})

	freshChunk, err := ts.asm.Add(f)
	if err != nil {
		logger.Warn(r.prefix, "transfer %s: rejecting frame %d: %v", f.TransferID.Short(), f.SequenceIndex, err)
		return
	}

	if ts.relay && freshOnWire {
		r.relayData(f, from)
	}

	if !r.deliverable(f) {
		return
	}
	ts.finalTTL = f.TTL

	if freshChunk {
		r.sendAck(ts, f, false)
	}

	if payload, ok := ts.asm.TryAssemble(); ok {
		r.deliver(ts, f, payload)
	}
}

// deliverable reports whether this node is an intended destination: every
// node for a broadcast, only the addressee otherwise.
func (r *Router) deliverable(f *frame.Frame) bool {
	return !f.HasRecipient || f.Recipient == r.localID
}

// relayData re-emits a data frame to all reachable peers except the one it
// arrived from, with the hop budget decremented. A budget that would reach
// zero stops here: the next hop could never relay or deliver it.
func (r *Router) relayData(f *frame.Frame, from string) {
	if f.TTL <= 1 {
		return
	}

	relayed := *f
	relayed.TTL = f.TTL - 1
	data, err := relayed.Encode()
	if err != nil {
		logger.Warn(r.prefix, "transfer %s: encode for relay: %v", f.TransferID.Short(), err)
		return
	}

	for _, peer := range r.tr.Peers() {
		if peer == from {
			continue
		}
		if err := r.tr.Send(peer, data); err != nil {
			logger.Debug(r.prefix, "relay of %s/%d to %s failed: %v",
				f.TransferID.Short(), f.SequenceIndex, peer, err)
		}
	}
	logger.Trace(r.prefix, "relayed %s/%d (ttl %d -> %d)",
		f.TransferID.Short(), f.SequenceIndex, f.TTL, relayed.TTL)
}

// deliver hands a completed reassembly to storage and the inbox, then
// acknowledges end-to-end. Storage failures propagate no further than a log
// line and a missing location; the transfer still completes protocol-wise.
func (r *Router) deliver(ts *transferState, f *frame.Frame, payload []byte) {
	ts.state = StateDelivered

	location, err := r.store.Save(f.TransferID.String(), f.OriginalType, payload)
	if err != nil {
		logger.Error(r.prefix, "transfer %s: storing %d bytes failed: %v",
			f.TransferID.Short(), len(payload), err)
	}

	r.inbx.Insert(inbox.Event{
		TransferID:   f.TransferID,
		OriginalType: f.OriginalType,
		Size:         len(payload),
		Location:     location,
		TTL:          ts.finalTTL,
		HasRecipient: f.HasRecipient,
		Recipient:    f.Recipient,
	})

	logger.Info(r.prefix, "transfer %s delivered (%d bytes, type %s)",
		f.TransferID.Short(), len(payload), f.OriginalType)

	r.sendAck(ts, f, true)
}

// sendAck emits an acknowledgement toward the origin along the reverse path
// (the peer the transfer's first frame arrived from). The ack's TTL carries
// the hop budget observed at this node.
func (r *Router) sendAck(ts *transferState, f *frame.Frame, final bool) {
	index := f.SequenceIndex
	total := f.TotalChunks
	if final && total > 0 {
		index = total - 1
	}
	ack := frame.Ack(f.TransferID, f.Origin, index, total, ts.finalTTL, final)
	data, err := ack.Encode()
	if err != nil {
		logger.Warn(r.prefix, "transfer %s: encode ack: %v", f.TransferID.Short(), err)
		return
	}
	if err := r.tr.Send(ts.upstream, data); err != nil {
		logger.Debug(r.prefix, "ack for %s to %s failed: %v", f.TransferID.Short(), ts.upstream, err)
	}
}

func (r *Router) handleAck(f *frame.Frame, from string) {
	// Origin consumes: forward to the local ledger
	if r.ledg.IsPending(f.TransferID) {
		var completed bool
		if f.Final {
			completed = r.ledg.AcknowledgeAll(f.TransferID)
		} else {
			completed = r.ledg.Acknowledge(f.TransferID, f.SequenceIndex)
		}
		if completed {
			logger.Info(r.prefix, "transfer %s acknowledged end-to-end", f.TransferID.Short())
		}
		return
	}

	// A relay passes the ack onward toward the origin, same TTL rule
	ts, known := r.transfers[f.TransferID]
	if !known || ts.upstream == "" {
		// Unknown acknowledgement target: answer with nothing
		return
	}
	if f.TTL == 0 {
		return
	}
	if !r.seen.Add(seenKey{transferID: f.TransferID, seq: f.SequenceIndex, kind: f.Kind}) && !f.Final {
		return
	}

	relayed := *f
	relayed.TTL = f.TTL - 1
	data, err := relayed.Encode()
	if err != nil {
		logger.Warn(r.prefix, "transfer %s: encode ack relay: %v", f.TransferID.Short(), err)
		return
	}
	if err := r.tr.Send(ts.upstream, data); err != nil {
		logger.Debug(r.prefix, "ack relay for %s to %s failed: %v", f.TransferID.Short(), ts.upstream, err)
	}
	ts.lastActivity = time.Now()
}

// Sweep forgets terminal transfer state older than the cutoff, bounding the
// per-transfer map the same way the seen cache is bounded.
func (r *Router) Sweep(olderThan time.Time) int {
	removed := 0
	for id, ts := range r.transfers {
		if ts.state != StateDelivered && ts.state != StateExpired {
			continue
		}
		if ts.lastActivity.Before(olderThan) {
			delete(r.transfers, id)
			removed++
		}
	}
	return removed
}
