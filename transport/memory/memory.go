// Package memory provides an in-process mesh of transport nodes with
// configurable loss and latency. It backs tests and the simulate command;
// topology is explicit, so relay chains and partitions are reproducible.
package memory

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/user/meshdrop/transport"
)

// SimulationConfig controls link realism. The zero value is a perfect link.
type SimulationConfig struct {
	// PacketLossRate drops this fraction of frames in flight
	PacketLossRate float64

	// MinDelay/MaxDelay bound per-frame delivery latency
	MinDelay time.Duration
	MaxDelay time.Duration

	// Seed makes loss and latency reproducible when non-zero
	Seed int64
}

// Mesh is the shared medium connecting in-process nodes
type Mesh struct {
	mu    sync.Mutex
	nodes map[string]*Node
	links map[string]map[string]bool
	cfg   SimulationConfig
	rng   *rand.Rand
}

// NewMesh creates an empty mesh with a perfect link
func NewMesh() *Mesh {
	return NewMeshWithConfig(SimulationConfig{})
}

// NewMeshWithConfig creates an empty mesh with the given link realism
func NewMeshWithConfig(cfg SimulationConfig) *Mesh {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Mesh{
		nodes: make(map[string]*Node),
		links: make(map[string]map[string]bool),
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// AddNode joins a node to the mesh under the given address
func (m *Mesh) AddNode(addr string) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := &Node{
		mesh:    m,
		addr:    addr,
		inbound: make(chan delivery, 1024),
		done:    make(chan struct{}),
	}
	m.nodes[addr] = n
	m.links[addr] = make(map[string]bool)
	go n.dispatchLoop()
	return n
}

// Link makes two nodes mutually reachable
func (m *Mesh) Link(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[a] != nil {
		m.links[a][b] = true
	}
	if m.links[b] != nil {
		m.links[b][a] = true
	}
}

// Unlink severs the path between two nodes in both directions
func (m *Mesh) Unlink(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[a] != nil {
		delete(m.links[a], b)
	}
	if m.links[b] != nil {
		delete(m.links[b], a)
	}
}

func (m *Mesh) neighbors(addr string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.links[addr]))
	for peer := range m.links[addr] {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

// deliver queues one frame to a node, applying loss and latency
func (m *Mesh) deliver(from, to string, frameBytes []byte) error {
	m.mu.Lock()
	target, ok := m.nodes[to]
	if !ok || !m.links[from][to] {
		m.mu.Unlock()
		return &transport.LinkError{Peer: to, Err: fmt.Errorf("no link from %s", from)}
	}
	dropped := m.cfg.PacketLossRate > 0 && m.rng.Float64() < m.cfg.PacketLossRate
	var delay time.Duration
	if m.cfg.MaxDelay > m.cfg.MinDelay {
		delay = m.cfg.MinDelay + time.Duration(m.rng.Int63n(int64(m.cfg.MaxDelay-m.cfg.MinDelay)))
	} else {
		delay = m.cfg.MinDelay
	}
	m.mu.Unlock()

	if dropped {
		// Lost in flight; the retry scheduler is the remedy
		return nil
	}

	buf := make([]byte, len(frameBytes))
	copy(buf, frameBytes)

	if delay > 0 {
		time.AfterFunc(delay, func() { target.enqueue(delivery{from: from, frame: buf}) })
		return nil
	}
	target.enqueue(delivery{from: from, frame: buf})
	return nil
}

type delivery struct {
	from  string
	frame []byte
}

// Node is one mesh participant implementing transport.Transport
type Node struct {
	mesh    *Mesh
	addr    string
	inbound chan delivery
	done    chan struct{}

	mu      sync.Mutex
	handler transport.Handler
	closed  bool
}

// dispatchLoop delivers inbound frames on a single goroutine so ordering
// into the engine is preserved.
func (n *Node) dispatchLoop() {
	for {
		select {
		case <-n.done:
			return
		case d := <-n.inbound:
			n.mu.Lock()
			h := n.handler
			n.mu.Unlock()
			if h != nil {
				h(d.frame, d.from)
			}
		}
	}
}

func (n *Node) enqueue(d delivery) {
	select {
	case n.inbound <- d:
	case <-n.done:
	default:
		// Inbound queue full; the frame is lost like any radio drop
	}
}

// Send implements transport.Transport
func (n *Node) Send(peer string, frameBytes []byte) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return &transport.LinkError{Peer: peer, Err: fmt.Errorf("node %s closed", n.addr)}
	}

	if peer == transport.Broadcast {
		for _, neighbor := range n.mesh.neighbors(n.addr) {
			if err := n.mesh.deliver(n.addr, neighbor, frameBytes); err != nil {
				return err
			}
		}
		return nil
	}
	return n.mesh.deliver(n.addr, peer, frameBytes)
}

// SetHandler implements transport.Transport
func (n *Node) SetHandler(h transport.Handler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

// Peers implements transport.Transport
func (n *Node) Peers() []string {
	return n.mesh.neighbors(n.addr)
}

// LocalAddr implements transport.Transport
func (n *Node) LocalAddr() string {
	return n.addr
}

// Close implements transport.Transport
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	close(n.done)
	return nil
}
