package factory

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPFactory dials one TCP connection per handle to a fixed upstream
// address. It suits plain socket protocols where each caller needs a
// dedicated connection for the duration of its work.
type TCPFactory struct {
	addr        string
	dialTimeout time.Duration
}

func NewTCP(addr string, dialTimeout time.Duration) *TCPFactory {
	return &TCPFactory{addr: addr, dialTimeout: dialTimeout}
}

func (f *TCPFactory) Create(ctx context.Context) (any, error) {
	d := net.Dialer{Timeout: f.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", f.addr, err)
	}
	return conn, nil
}

func (f *TCPFactory) Destroy(handle any) error {
	conn, ok := handle.(net.Conn)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", handle)
	}
	return conn.Close()
}

var _ Factory = (*TCPFactory)(nil)
