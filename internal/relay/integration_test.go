package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/relaylabs/udprelay/internal/adversary"
)

// reservePort binds an ephemeral UDP port, reads it back, and releases it
// immediately so a test can hand the same number to createUDPSocket.
func reservePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

// pair is a target/forward Endpoint bound to each other over loopback UDP,
// ready for Run.
type pair struct {
	target, forward *Endpoint
	cancel          context.CancelFunc
}

func buildPair(t *testing.T, upstream *net.TCPAddr, timeout time.Duration, maxRetries int, rates adversary.Rates) *pair {
	t.Helper()
	targetPort := reservePort(t)
	forwardPort := reservePort(t)
	loopback := net.IPv4(127, 0, 0, 1)

	decorate := func(r PacketReader) PacketReader {
		return adversary.New(r, rates)
	}

	targetCfg := Config{
		Mode:        ModeTarget,
		PeerAddr:    &net.UDPAddr{IP: loopback, Port: forwardPort},
		BasePort:    targetPort,
		TargetPort:  0,
		MaxChannels: 4,
		Timeout:     timeout,
		MaxRetries:  maxRetries,
		Quiet:       true,
		Decorate:    decorate,
	}
	target, err := New(targetCfg)
	if err != nil {
		t.Fatalf("build target endpoint: %v", err)
	}

	forwardCfg := Config{
		Mode:        ModeForward,
		PeerAddr:    &net.UDPAddr{IP: loopback, Port: targetPort},
		BasePort:    forwardPort,
		ForwardAddr: upstream,
		MaxChannels: 4,
		Timeout:     timeout,
		MaxRetries:  maxRetries,
		Quiet:       true,
		Decorate:    decorate,
	}
	forward, err := New(forwardCfg)
	if err != nil {
		t.Fatalf("build forward endpoint: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go target.Run(ctx)
	go forward.Run(ctx)

	return &pair{target: target, forward: forward, cancel: cancel}
}

func (p *pair) targetAddr() string {
	return p.target.listener.Addr().String()
}

// startEchoUpstream stands up a TCP server that hands every accepted
// connection's bytes to recv once the client half-closes, the stand-in for
// the real origin server the forward endpoint dials.
func startEchoUpstream(t *testing.T) (addr *net.TCPAddr, recv <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	ch := make(chan []byte, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf, _ := io.ReadAll(c)
				ch <- buf
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr), ch
}

// TestEndToEndLossless sends a single request over a lossless channel and
// checks the origin server receives it byte-for-byte.
func TestEndToEndLossless(t *testing.T) {
	upstreamAddr, recv := startEchoUpstream(t)
	p := buildPair(t, upstreamAddr, 500*time.Millisecond, 4, adversary.Rates{})
	defer p.cancel()

	waitForListener(t, p)

	client, err := net.Dial("tcp", p.targetAddr())
	if err != nil {
		t.Fatalf("dial target: %v", err)
	}
	msg := []byte("GET / HTTP/1.0\r\n\r\n")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("write to target: %v", err)
	}
	client.(*net.TCPConn).CloseWrite()

	select {
	case got := <-recv:
		if !bytes.Equal(got, msg) {
			t.Fatalf("upstream received %q, want %q", got, msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upstream to receive the relayed request")
	}
}

// TestEndToEndUnderLoss repeats the lossless scenario over a channel that
// drops and corrupts a fraction of datagrams, checking the sliding-window
// retransmit policy still delivers the stream intact.
func TestEndToEndUnderLoss(t *testing.T) {
	upstreamAddr, recv := startEchoUpstream(t)
	rates := adversary.Rates{Drop: 0.2, Corrupt: 0.05, Seed: 99}
	p := buildPair(t, upstreamAddr, 150*time.Millisecond, 20, rates)
	defer p.cancel()

	waitForListener(t, p)

	client, err := net.Dial("tcp", p.targetAddr())
	if err != nil {
		t.Fatalf("dial target: %v", err)
	}
	msg := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 20)
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("write to target: %v", err)
	}
	client.(*net.TCPConn).CloseWrite()

	select {
	case got := <-recv:
		if !bytes.Equal(got, msg) {
			t.Fatalf("upstream received %d bytes, want %d; mismatch under loss", len(got), len(msg))
		}
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for upstream to receive the relayed request under loss")
	}
}

// TestTwoClientsIndependent checks that two simultaneous client connections
// are bound to distinct channels and neither stream's bytes bleed into the
// other's.
func TestTwoClientsIndependent(t *testing.T) {
	upstreamAddr, recv := startEchoUpstream(t)
	p := buildPair(t, upstreamAddr, 500*time.Millisecond, 4, adversary.Rates{})
	defer p.cancel()

	waitForListener(t, p)

	clientA, err := net.Dial("tcp", p.targetAddr())
	if err != nil {
		t.Fatalf("dial target (A): %v", err)
	}
	clientB, err := net.Dial("tcp", p.targetAddr())
	if err != nil {
		t.Fatalf("dial target (B): %v", err)
	}

	msgA := []byte("request from client A")
	msgB := []byte("a different request from client B")
	clientA.Write(msgA)
	clientA.(*net.TCPConn).CloseWrite()
	clientB.Write(msgB)
	clientB.(*net.TCPConn).CloseWrite()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case got := <-recv:
			seen[string(got)] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for both upstream deliveries, got %d of 2", i)
		}
	}
	if !seen[string(msgA)] || !seen[string(msgB)] {
		t.Fatalf("expected both independent requests to arrive unmodified, got %v", seen)
	}
}

// waitForListener checks that the target endpoint's TCP listener exists
// before a test dials it. New opens the listener, so it is normally already
// set; connections made before the accept loop runs wait in the backlog.
func waitForListener(t *testing.T, p *pair) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.target.listener != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("target listener never came up")
}
