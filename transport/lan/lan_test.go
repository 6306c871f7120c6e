package lan

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/user/meshdrop/transport"
)

func TestServerTLSConfig(t *testing.T) {
	cfg, err := serverTLSConfig()
	if err != nil {
		t.Fatalf("serverTLSConfig() error: %v", err)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != alpnProtocol {
		t.Errorf("NextProtos = %v, want [%s]", cfg.NextProtos, alpnProtocol)
	}

	cert, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("generated certificate does not parse: %v", err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		t.Errorf("certificate validity [%s, %s] does not cover now", cert.NotBefore, cert.NotAfter)
	}
}

func TestLoopbackFrameExchange(t *testing.T) {
	if testing.Short() {
		t.Skip("network test")
	}

	a, err := Listen(Config{InstanceName: "lan-test-a"})
	if err != nil {
		t.Skipf("cannot open LAN link (no multicast network?): %v", err)
	}
	defer a.Close()

	b, err := Listen(Config{InstanceName: "lan-test-b"})
	if err != nil {
		t.Skipf("cannot open second LAN link: %v", err)
	}
	defer b.Close()

	received := make(chan []byte, 1)
	b.SetHandler(func(frameBytes []byte, fromPeer string) {
		received <- frameBytes
	})

	// Address b directly over loopback; discovery is not needed for an
	// explicit peer address.
	_, port, err := net.SplitHostPort(b.LocalAddr())
	if err != nil {
		t.Fatalf("parse local addr %q: %v", b.LocalAddr(), err)
	}
	addr := fmt.Sprintf("127.0.0.1:%s", port)

	payload := []byte{0xB1, 0x0B, 0x01, 0x03, 0xAA, 0xBB}
	if err := a.Send(addr, payload); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Errorf("received %x, want %x", got, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame never arrived over loopback")
	}
}

func TestHandlerReportsReachableSender(t *testing.T) {
	if testing.Short() {
		t.Skip("network test")
	}

	a, err := Listen(Config{InstanceName: "lan-test-reply-a"})
	if err != nil {
		t.Skipf("cannot open LAN link (no multicast network?): %v", err)
	}
	defer a.Close()

	b, err := Listen(Config{InstanceName: "lan-test-reply-b"})
	if err != nil {
		t.Skipf("cannot open second LAN link: %v", err)
	}
	defer b.Close()

	replied := make(chan []byte, 1)
	a.SetHandler(func(frameBytes []byte, fromPeer string) {
		replied <- frameBytes
	})

	seenFrom := make(chan string, 1)
	b.SetHandler(func(frameBytes []byte, fromPeer string) {
		seenFrom <- fromPeer
	})

	_, bPort, err := net.SplitHostPort(b.LocalAddr())
	if err != nil {
		t.Fatalf("parse local addr %q: %v", b.LocalAddr(), err)
	}
	if err := a.Send(fmt.Sprintf("127.0.0.1:%s", bPort), []byte{0x01}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	var from string
	select {
	case from = <-seenFrom:
	case <-time.After(5 * time.Second):
		t.Fatal("frame never arrived")
	}

	// The reported sender must be the peer's listener, not the dialing
	// connection's ephemeral source port.
	_, fromPort, err := net.SplitHostPort(from)
	if err != nil {
		t.Fatalf("parse reported sender %q: %v", from, err)
	}
	_, aPort, _ := net.SplitHostPort(a.LocalAddr())
	if fromPort != aPort {
		t.Fatalf("reported sender port %s, want listener port %s", fromPort, aPort)
	}

	// Sending back to the reported address reaches the original sender
	if err := b.Send(from, []byte{0x02}); err != nil {
		t.Fatalf("reply Send() error: %v", err)
	}
	select {
	case got := <-replied:
		if !bytes.Equal(got, []byte{0x02}) {
			t.Errorf("reply payload = %x, want 02", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reply never reached the original sender")
	}
}

func TestOversizedFrameIsLinkError(t *testing.T) {
	l := &Link{}
	err := l.Send("198.51.100.1:4242", make([]byte, maxFrameSize+1))
	if err == nil {
		t.Fatal("oversized frame accepted")
	}
	var linkErr *transport.LinkError
	if !errors.As(err, &linkErr) {
		t.Fatalf("error %T is not a LinkError", err)
	}
	if linkErr.Peer != "198.51.100.1:4242" {
		t.Errorf("LinkError peer = %q", linkErr.Peer)
	}
}
