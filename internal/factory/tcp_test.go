package factory

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTCPFactory_Create(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	// Accept in the background so the dial completes.
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	f := NewTCP(ln.Addr().String(), 2*time.Second)

	h, err := f.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	conn, ok := h.(net.Conn)
	if !ok {
		t.Fatalf("Create() handle type = %T, want net.Conn", h)
	}
	if got := conn.RemoteAddr().String(); got != ln.Addr().String() {
		t.Errorf("RemoteAddr() = %q, want %q", got, ln.Addr().String())
	}

	if err := f.Destroy(h); err != nil {
		t.Errorf("Destroy() error = %v", err)
	}
}

func TestTCPFactory_Create_ConnectionRefused(t *testing.T) {
	// Grab a free port, then close the listener so nothing is there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	f := NewTCP(addr, 500*time.Millisecond)

	if _, err := f.Create(context.Background()); err == nil {
		t.Error("Create() to closed port returned no error")
	}
}

func TestTCPFactory_Create_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewTCP("10.255.255.1:9999", 5*time.Second)

	if _, err := f.Create(ctx); err == nil {
		t.Error("Create() with canceled context returned no error")
	}
}

func TestTCPFactory_Destroy_WrongType(t *testing.T) {
	f := NewTCP("localhost:9000", time.Second)

	if err := f.Destroy("not a conn"); err == nil {
		t.Error("Destroy() with wrong handle type returned no error")
	}
}
