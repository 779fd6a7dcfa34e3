package factory

import (
	"context"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

// ValkeyFactory produces one Valkey client per handle. A dedicated client
// per lease suits blocking commands (BLPOP, XREAD BLOCK) and MULTI/EXEC
// transactions that must not interleave with other callers.
type ValkeyFactory struct {
	addr     string
	password string
	db       int
}

func NewValkey(addr, password string, db int) *ValkeyFactory {
	return &ValkeyFactory{addr: addr, password: password, db: db}
}

func (f *ValkeyFactory) Create(ctx context.Context) (any, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{f.addr},
		Password:    f.password,
		SelectDB:    f.db,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping valkey: %w", err)
	}
	return client, nil
}

func (f *ValkeyFactory) Destroy(handle any) error {
	client, ok := handle.(valkey.Client)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", handle)
	}
	client.Close()
	return nil
}

func (f *ValkeyFactory) Ping(ctx context.Context, handle any) error {
	client, ok := handle.(valkey.Client)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", handle)
	}
	return client.Do(ctx, client.B().Ping().Build()).Error()
}

var _ Factory = (*ValkeyFactory)(nil)
var _ Pinger = (*ValkeyFactory)(nil)
