// Package lan carries frames between nodes on the same network: QUIC for
// the link itself, mDNS for finding who else is out there. Peers appear and
// disappear as their discovery announcements come and go; the engine on top
// never learns the difference between this and any other link.
package lan

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/quic-go/quic-go"

	"github.com/user/meshdrop/logger"
	"github.com/user/meshdrop/transport"
)

const (
	serviceName   = "_meshdrop._udp"
	serviceDomain = "local."
	alpnProtocol  = "meshdrop/1"

	// maxFrameSize bounds a single length-prefixed frame on a stream
	maxFrameSize = 1 << 20

	defaultBrowseInterval = 5 * time.Second
	defaultPeerExpiry     = 20 * time.Second
	defaultDialTimeout    = 5 * time.Second
)

// Config holds the link parameters. Zero values pick sane defaults.
type Config struct {
	// Port to listen on; 0 lets the OS choose.
	Port int
	// InstanceName identifies this node in discovery announcements.
	// Defaults to the hostname.
	InstanceName string

	BrowseInterval time.Duration
	PeerExpiry     time.Duration
	DialTimeout    time.Duration
}

type peerEntry struct {
	addr     string
	lastSeen time.Time
}

// Link is a QUIC transport with zeroconf peer discovery. It implements
// transport.Transport.
type Link struct {
	cfg      Config
	prefix   string
	port     int
	listener *quic.Listener
	beacon   *zeroconf.Server
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	handler transport.Handler
	peers   map[string]peerEntry // instance name -> address
	conns   map[string]quic.Connection
	streams map[string]quic.SendStream
	closed  bool
}

// Listen opens the QUIC listener, announces the node over mDNS, and starts
// browsing for peers.
func Listen(cfg Config) (*Link, error) {
	if cfg.InstanceName == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("lan: resolve hostname: %w", err)
		}
		cfg.InstanceName = host
	}
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = defaultBrowseInterval
	}
	if cfg.PeerExpiry <= 0 {
		cfg.PeerExpiry = defaultPeerExpiry
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(fmt.Sprintf(":%d", cfg.Port), tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("lan: listen: %w", err)
	}

	port := listener.Addr().(*net.UDPAddr).Port
	beacon, err := zeroconf.Register(cfg.InstanceName, serviceName, serviceDomain, port, []string{"v=1"}, nil)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("lan: register discovery beacon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		cfg:      cfg,
		prefix:   cfg.InstanceName,
		port:     port,
		listener: listener,
		beacon:   beacon,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[string]peerEntry),
		conns:    make(map[string]quic.Connection),
		streams:  make(map[string]quic.SendStream),
	}

	l.wg.Add(2)
	go l.acceptLoop()
	go l.browseLoop()

	logger.Info(l.prefix, "listening on udp port %d, announcing as %q", port, cfg.InstanceName)
	return l, nil
}

// SetHandler registers the inbound frame callback
func (l *Link) SetHandler(h transport.Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// LocalAddr returns the listener's address
func (l *Link) LocalAddr() string {
	return l.listener.Addr().String()
}

// Peers returns the addresses of every discovered, unexpired peer
func (l *Link) Peers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	out := make([]string, 0, len(l.peers))
	for name, p := range l.peers {
		if now.Sub(p.lastSeen) > l.cfg.PeerExpiry {
			delete(l.peers, name)
			continue
		}
		out = append(out, p.addr)
	}
	sort.Strings(out)
	return out
}

// Send writes one frame to a peer address, or to every known peer for the
// broadcast address. Failures are LinkErrors; a broadcast reports the first
// failure after trying every peer.
func (l *Link) Send(peer string, frameBytes []byte) error {
	if len(frameBytes) > maxFrameSize {
		return &transport.LinkError{Peer: peer, Err: fmt.Errorf("frame of %d bytes exceeds limit", len(frameBytes))}
	}

	if peer == transport.Broadcast {
		var firstErr error
		for _, addr := range l.Peers() {
			if err := l.sendTo(addr, frameBytes); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return l.sendTo(peer, frameBytes)
}

func (l *Link) sendTo(addr string, frameBytes []byte) error {
	stream, err := l.streamFor(addr)
	if err != nil {
		return &transport.LinkError{Peer: addr, Err: err}
	}

	buf := make([]byte, 4+len(frameBytes))
	binary.LittleEndian.PutUint32(buf, uint32(len(frameBytes)))
	copy(buf[4:], frameBytes)

	if _, err := stream.Write(buf); err != nil {
		l.dropConn(addr)
		return &transport.LinkError{Peer: addr, Err: err}
	}
	return nil
}

// streamFor returns the cached outbound stream for a peer, dialing a fresh
// connection when none is open.
func (l *Link) streamFor(addr string) (quic.SendStream, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, fmt.Errorf("link closed")
	}
	if s, ok := l.streams[addr]; ok {
		l.mu.Unlock()
		return s, nil
	}
	l.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(l.ctx, l.cfg.DialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, addr, clientTLSConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	stream, err := conn.OpenUniStreamSync(dialCtx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	// Announce our listener port so the receiver can report a reachable
	// reply address instead of this connection's ephemeral one.
	var hello [2]byte
	binary.LittleEndian.PutUint16(hello[:], uint16(l.port))
	if _, err := stream.Write(hello[:]); err != nil {
		conn.CloseWithError(0, "hello failed")
		return nil, fmt.Errorf("send hello: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		conn.CloseWithError(0, "link closed")
		return nil, fmt.Errorf("link closed")
	}
	// A concurrent dial may have won; keep the first stream.
	if existing, ok := l.streams[addr]; ok {
		conn.CloseWithError(0, "duplicate connection")
		return existing, nil
	}
	l.conns[addr] = conn
	l.streams[addr] = stream
	logger.Debug(l.prefix, "connected to %s", addr)
	return stream, nil
}

func (l *Link) dropConn(addr string) {
	l.mu.Lock()
	conn, ok := l.conns[addr]
	delete(l.conns, addr)
	delete(l.streams, addr)
	l.mu.Unlock()
	if ok {
		conn.CloseWithError(0, "send failed")
	}
}

func (l *Link) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			logger.Warn(l.prefix, "accept: %v", err)
			continue
		}
		go l.serveConn(conn)
	}
}

func (l *Link) serveConn(conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	defer conn.CloseWithError(0, "done")

	remoteHost, _, err := net.SplitHostPort(remote)
	if err != nil {
		logger.Warn(l.prefix, "unparseable remote address %q: %v", remote, err)
		return
	}

	for {
		stream, err := conn.AcceptUniStream(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				logger.Debug(l.prefix, "connection from %s ended: %v", remote, err)
			}
			return
		}
		go l.readFrames(stream, remoteHost)
	}
}

// readFrames consumes one inbound stream: the sender's hello first, then
// length-prefixed frames. The hello carries the sender's listener port, so
// the handler sees an address acks and relays can actually reach, not the
// connection's ephemeral source port.
func (l *Link) readFrames(stream quic.ReceiveStream, remoteHost string) {
	var hello [2]byte
	if _, err := io.ReadFull(stream, hello[:]); err != nil {
		if l.ctx.Err() == nil {
			logger.Debug(l.prefix, "stream from %s ended before hello: %v", remoteHost, err)
		}
		return
	}
	from := net.JoinHostPort(remoteHost, strconv.Itoa(int(binary.LittleEndian.Uint16(hello[:]))))

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
			if err != io.EOF && l.ctx.Err() == nil {
				logger.Debug(l.prefix, "stream from %s ended: %v", from, err)
			}
			return
		}
		size := binary.LittleEndian.Uint32(lenBuf[:])
		if size == 0 || size > maxFrameSize {
			logger.Warn(l.prefix, "dropping oversized frame (%d bytes) from %s", size, from)
			return
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(stream, buf); err != nil {
			logger.Debug(l.prefix, "truncated frame from %s: %v", from, err)
			return
		}

		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			h(buf, from)
		}
	}
}

// browseLoop repeatedly scans for peer announcements and refreshes the
// peer table. A peer that stops announcing ages out after PeerExpiry.
func (l *Link) browseLoop() {
	defer l.wg.Done()
	for {
		l.browseOnce()
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(l.cfg.BrowseInterval):
		}
	}
}

func (l *Link) browseOnce() {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		logger.Warn(l.prefix, "discovery resolver: %v", err)
		return
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			l.observePeer(entry)
		}
	}()

	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.BrowseInterval)
	defer cancel()
	if err := resolver.Browse(ctx, serviceName, serviceDomain, entries); err != nil {
		logger.Warn(l.prefix, "discovery browse: %v", err)
		return
	}
	<-ctx.Done()
}

func (l *Link) observePeer(entry *zeroconf.ServiceEntry) {
	if entry.Instance == l.cfg.InstanceName || len(entry.AddrIPv4) == 0 {
		return
	}
	addr := fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)

	l.mu.Lock()
	_, known := l.peers[entry.Instance]
	l.peers[entry.Instance] = peerEntry{addr: addr, lastSeen: time.Now()}
	l.mu.Unlock()

	if !known {
		logger.Info(l.prefix, "discovered peer %q at %s", entry.Instance, addr)
	}
}

// Close stops discovery, closes every connection, and shuts the listener
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]quic.Connection, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.conns = make(map[string]quic.Connection)
	l.streams = make(map[string]quic.SendStream)
	l.mu.Unlock()

	l.cancel()
	l.beacon.Shutdown()
	for _, c := range conns {
		c.CloseWithError(0, "link closed")
	}
	err := l.listener.Close()
	l.wg.Wait()
	return err
}

func clientTLSConfig() *tls.Config {
	// Peers are authenticated by the identity reveal above this layer, not
	// by certificate; the link only needs confidentiality.
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
}
