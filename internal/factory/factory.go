// Package factory defines how pooled resources are created and destroyed.
//
// The pool itself never knows what a resource is; it holds opaque handles
// and delegates their lifecycle to a Factory. Adapters in this package
// cover the built-in resource kinds (capacity tokens, TCP connections,
// MySQL connections, Valkey clients, warm containers), and Funcs lets
// callers plug in anything else.
package factory

import (
	"context"
	"fmt"

	"github.com/poolhouse/poolhouse/internal/config"
	"github.com/poolhouse/poolhouse/pkg/logging"
)

// Supported factory kinds, selected via FACTORY_KIND.
const (
	KindToken  = "token"
	KindTCP    = "tcp"
	KindMySQL  = "mysql"
	KindValkey = "valkey"
	KindDocker = "docker"
)

// Factory creates and destroys resource handles on behalf of the pool.
type Factory interface {
	// Create produces one ready-to-use handle. It must not return a
	// half-initialized resource: if setup fails partway, Create cleans up
	// and returns an error. Create honors ctx cancellation.
	Create(ctx context.Context) (any, error)

	// Destroy tears down a handle previously returned by Create. It is
	// called at most once per handle. Errors are reported to the caller
	// but the handle is considered gone either way.
	Destroy(handle any) error
}

// Pinger is an optional Factory extension for resource kinds that can
// cheaply verify an idle handle is still usable. The reaper closes idle
// handles whose ping fails, even when the pool is at its minimum size.
type Pinger interface {
	Ping(ctx context.Context, handle any) error
}

// Funcs adapts plain functions to the Factory interface. Zero-value
// function fields are safe: a nil DestroyFunc makes Destroy a no-op and
// a nil PingFunc reports every handle healthy.
type Funcs struct {
	CreateFunc  func(ctx context.Context) (any, error)
	DestroyFunc func(handle any) error
	PingFunc    func(ctx context.Context, handle any) error
}

func (f Funcs) Create(ctx context.Context) (any, error) {
	if f.CreateFunc == nil {
		return nil, fmt.Errorf("factory: no create function")
	}
	return f.CreateFunc(ctx)
}

func (f Funcs) Destroy(handle any) error {
	if f.DestroyFunc == nil {
		return nil
	}
	return f.DestroyFunc(handle)
}

func (f Funcs) Ping(ctx context.Context, handle any) error {
	if f.PingFunc == nil {
		return nil
	}
	return f.PingFunc(ctx, handle)
}

var _ Factory = Funcs{}
var _ Pinger = Funcs{}

// New builds the factory selected by cfg.Kind.
func New(cfg *config.FactoryConfig, logger *logging.Logger) (Factory, error) {
	switch cfg.Kind {
	case "", KindToken:
		return NewToken(), nil
	case KindTCP:
		return NewTCP(cfg.TCPAddr, cfg.TCPDialTimeout), nil
	case KindMySQL:
		return NewMySQL(cfg.MySQLDSN)
	case KindValkey:
		return NewValkey(cfg.ValkeyAddr, cfg.ValkeyPassword, cfg.ValkeyDB), nil
	case KindDocker:
		return NewContainer(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown factory kind %q", cfg.Kind)
	}
}
