// Package identity implements the trust-escalation handshake between mesh
// peers: every node starts anonymous and may reveal its identity to a peer
// exactly once. The reveal travels as an ordinary addressed payload through
// the transfer engine; this package never touches the wire itself.
package identity

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/user/meshdrop/frame"
	"github.com/user/meshdrop/logger"
)

// TypeTag marks a transfer payload as an identity reveal
const TypeTag = "application/x-meshdrop-reveal"

// State of the handshake with one peer, from the local node's point of view
type State int

const (
	StateAnonymous State = iota
	StateRevealed
)

func (s State) String() string {
	if s == StateRevealed {
		return "revealed"
	}
	return "anonymous"
}

// Reveal is the payload body of an identity announcement
type Reveal struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`
}

// Sender is the slice of the transfer engine the handshake needs
type Sender interface {
	Send(payload []byte, originalType string, recipient *frame.ID, ttl uint8) (frame.ID, error)
}

// Peer records an identity a remote node has revealed to us
type Peer struct {
	NodeID     frame.ID
	NodeName   string
	RevealedAt time.Time
}

// Manager tracks the per-peer handshake state in both directions: who we
// have revealed ourselves to, and who has revealed themselves to us.
type Manager struct {
	mu sync.Mutex

	localID  frame.ID
	nodeName string
	sender   Sender

	revealedTo map[frame.ID]bool
	known      map[frame.ID]Peer
}

func NewManager(localID frame.ID, nodeName string, sender Sender) *Manager {
	return &Manager{
		localID:    localID,
		nodeName:   nodeName,
		sender:     sender,
		revealedTo: make(map[frame.ID]bool),
		known:      make(map[frame.ID]Peer),
	}
}

// StateWith reports the outbound handshake state for one peer
func (m *Manager) StateWith(peer frame.ID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revealedTo[peer] {
		return StateRevealed
	}
	return StateAnonymous
}

// RevealTo announces the local identity to a peer. The transition is one
// way and idempotent: once revealed, repeated calls send nothing.
func (m *Manager) RevealTo(peer frame.ID, ttl uint8) error {
	m.mu.Lock()
	if m.revealedTo[peer] {
		m.mu.Unlock()
		return nil
	}
	// Mark before sending so a concurrent reveal cannot double-send;
	// rolled back if the engine refuses the payload.
	m.revealedTo[peer] = true
	m.mu.Unlock()

	body, err := json.Marshal(Reveal{
		NodeID:   m.localID.String(),
		NodeName: m.nodeName,
	})
	if err != nil {
		m.rollback(peer)
		return fmt.Errorf("identity: marshal reveal: %w", err)
	}

	if _, err := m.sender.Send(body, TypeTag, &peer, ttl); err != nil {
		m.rollback(peer)
		return fmt.Errorf("identity: send reveal: %w", err)
	}

	logger.Info(m.localID.Short(), "revealed identity %q to %s", m.nodeName, peer.Short())
	return nil
}

func (m *Manager) rollback(peer frame.ID) {
	m.mu.Lock()
	delete(m.revealedTo, peer)
	m.mu.Unlock()
}

// HandleReveal ingests a received reveal payload. Non-reveal type tags are
// ignored so the caller can feed every delivered payload through here.
// Re-reveals update the stored name but keep the original reveal time.
func (m *Manager) HandleReveal(originalType string, payload []byte) (Peer, bool) {
	if originalType != TypeTag {
		return Peer{}, false
	}

	var body Reveal
	if err := json.Unmarshal(payload, &body); err != nil {
		logger.Warn(m.localID.Short(), "dropping unparseable reveal: %v", err)
		return Peer{}, false
	}
	nodeID, err := frame.ParseID(body.NodeID)
	if err != nil {
		logger.Warn(m.localID.Short(), "dropping reveal with bad node id: %v", err)
		return Peer{}, false
	}
	if nodeID == m.localID {
		return Peer{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	peer, ok := m.known[nodeID]
	if !ok {
		peer = Peer{NodeID: nodeID, RevealedAt: time.Now()}
	}
	peer.NodeName = body.NodeName
	m.known[nodeID] = peer

	if !ok {
		logger.Info(m.localID.Short(), "peer %s revealed as %q", nodeID.Short(), body.NodeName)
	}
	return peer, true
}

// Known returns every peer that has revealed an identity to this node
func (m *Manager) Known() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Peer, 0, len(m.known))
	for _, p := range m.known {
		out = append(out, p)
	}
	return out
}
