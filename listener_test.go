package mockwire

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// startTestListener binds a listener on a loopback port and reports accepted
// connections on the returned channel.
func startTestListener(t *testing.T, opt ...Option) (*Listener, chan *Conn) {
	t.Helper()

	accepted := make(chan *Conn, 16)
	ln, err := NewListener("127.0.0.1:0", opt...)
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	ln.OnConnection(func(c *Conn) {
		accepted <- c
	})

	if err := ln.Listen(context.Background()); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	return ln, accepted
}

func waitAccepted(t *testing.T, accepted chan *Conn) *Conn {
	t.Helper()
	select {
	case c := <-accepted:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for accepted connection")
		return nil
	}
}

func TestNewListener(t *testing.T) {
	ln, err := NewListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}

	if ln.Addr() != nil {
		t.Error("Addr should be nil before Listen")
	}
	if ln.Len() != 0 {
		t.Errorf("Len = %d, want 0", ln.Len())
	}
}

func TestListener_Listen_Twice(t *testing.T) {
	ln, _ := startTestListener(t)

	if err := ln.Listen(context.Background()); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("expected ErrAlreadyListening, got %v", err)
	}
}

func TestListener_Listen_AfterClose(t *testing.T) {
	ln, _ := startTestListener(t)

	if err := ln.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ln.Listen(context.Background()); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("expected ErrListenerClosed, got %v", err)
	}
}

func TestListener_Addr(t *testing.T) {
	ln, _ := startTestListener(t)

	addr := ln.Addr()
	if addr == nil {
		t.Fatal("Addr returned nil after Listen")
	}
	if _, ok := addr.(*net.TCPAddr); !ok {
		t.Errorf("Addr type = %T, want *net.TCPAddr", addr)
	}
}

func TestListener_Registry(t *testing.T) {
	disconnects := make(chan string, 16)
	ln, accepted := startTestListener(t)
	ln.OnDisconnect(func(id string, err error) {
		disconnects <- id
	})

	c1, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c1.Close()
	first := waitAccepted(t, accepted)

	c2, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c2.Close()
	second := waitAccepted(t, accepted)

	if first.ID() == second.ID() {
		t.Errorf("accepted connections share id %q", first.ID())
	}
	if ln.Len() != 2 {
		t.Errorf("Len = %d, want 2", ln.Len())
	}
	if _, ok := ln.Conn(first.ID()); !ok {
		t.Error("first connection not in registry")
	}

	// Closing the raw client removes the server-side entry exactly once.
	_ = c1.Close()

	select {
	case id := <-disconnects:
		if id != first.ID() {
			t.Errorf("disconnect id = %q, want %q", id, first.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for disconnect")
	}

	// Registry must not retain the dead connection.
	deadline := time.Now().Add(2 * time.Second)
	for ln.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ln.Len() != 1 {
		t.Errorf("Len = %d, want 1", ln.Len())
	}
	if _, ok := ln.Conn(first.ID()); ok {
		t.Error("registry retained dead connection")
	}

	select {
	case id := <-disconnects:
		t.Errorf("unexpected second disconnect for %q", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListener_Broadcast(t *testing.T) {
	ln, accepted := startTestListener(t)

	readers := make([]*bufio.Scanner, 0, 2)
	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer c.Close()
		readers = append(readers, bufio.NewScanner(c))
		waitAccepted(t, accepted)
	}

	results := ln.Broadcast(context.Background(), []byte("announcement"))
	if len(results) != 2 {
		t.Fatalf("broadcast results = %d, want 2", len(results))
	}
	for id, err := range results {
		if err != nil {
			t.Errorf("broadcast to %s failed: %v", id, err)
		}
	}

	// Each client observes exactly one corresponding send.
	for i, sc := range readers {
		if !sc.Scan() {
			t.Fatalf("client %d received nothing: %v", i, sc.Err())
		}
		if sc.Text() != "announcement" {
			t.Errorf("client %d got %q, want %q", i, sc.Text(), "announcement")
		}
	}
}

func TestListener_Broadcast_ReportsPerConnection(t *testing.T) {
	ln, accepted := startTestListener(t)

	healthy, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer healthy.Close()
	survivor := waitAccepted(t, accepted)

	doomed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	victim := waitAccepted(t, accepted)

	// Drop one connection and wait for the registry to shed it; the
	// broadcast result map then carries exactly the surviving ids.
	_ = doomed.Close()
	deadline := time.Now().Add(2 * time.Second)
	for ln.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	results := ln.Broadcast(context.Background(), []byte("mixed"))
	if len(results) != 1 {
		t.Fatalf("broadcast results = %d, want 1", len(results))
	}
	if err, ok := results[survivor.ID()]; !ok || err != nil {
		t.Errorf("survivor result = %v (present=%v), want nil", err, ok)
	}
	if _, ok := results[victim.ID()]; ok {
		t.Error("dead connection appeared in broadcast results")
	}
}

func TestListener_Close(t *testing.T) {
	ln, accepted := startTestListener(t)

	var conns []*Conn
	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer c.Close()
		conns = append(conns, waitAccepted(t, accepted))
	}

	if err := ln.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if ln.Len() != 0 {
		t.Errorf("Len = %d after Close, want 0", ln.Len())
	}
	for _, c := range conns {
		if c.IsConnected() {
			t.Errorf("connection %s still connected after listener close", c.ID())
		}
		if err := c.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("send after close = %v, want ErrNotConnected", err)
		}
	}

	// The listening socket is down: new dials are refused.
	if _, err := net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond); err == nil {
		t.Error("dial succeeded after listener close")
	}

	// Close is idempotent.
	if err := ln.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
