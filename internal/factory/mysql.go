package factory

import (
	"context"
	"database/sql/driver"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// MySQLFactory produces dedicated MySQL connections. Each handle is a raw
// driver.Conn rather than a database/sql pool, so callers that rely on
// session-scoped state (temporary tables, session variables, advisory
// locks) keep the same connection for the whole lease.
type MySQLFactory struct {
	connector driver.Connector
}

func NewMySQL(dsn string) (*MySQLFactory, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build mysql connector: %w", err)
	}
	return &MySQLFactory{connector: connector}, nil
}

func (f *MySQLFactory) Create(ctx context.Context) (any, error) {
	conn, err := f.connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	// Verify the session before handing it out.
	if p, ok := conn.(driver.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ping mysql: %w", err)
		}
	}
	return conn, nil
}

func (f *MySQLFactory) Destroy(handle any) error {
	conn, ok := handle.(driver.Conn)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", handle)
	}
	return conn.Close()
}

func (f *MySQLFactory) Ping(ctx context.Context, handle any) error {
	p, ok := handle.(driver.Pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

var _ Factory = (*MySQLFactory)(nil)
var _ Pinger = (*MySQLFactory)(nil)
