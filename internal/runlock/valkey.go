package runlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// backend is the subset of Valkey the lock needs.
type backend interface {
	setNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	deleteIfEqual(ctx context.Context, key, value string) error
}

// Distributed is a Locker backed by a Valkey key with a TTL, so that a
// crashed run cannot hold the lock forever.
type Distributed struct {
	b   backend
	ttl time.Duration
}

// NewValkey connects to Valkey and returns a Locker plus a close func.
func NewValkey(ctx context.Context, address, password string, ttl time.Duration) (*Distributed, func(), error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:      []string{address},
		Password:         password,
		ConnWriteTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to valkey %s: %w", address, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("pinging valkey %s: %w", address, err)
	}

	slog.Debug("connected to valkey", "address", address)
	b := &valkeyBackend{client: client, release: valkey.NewLuaScript(releaseScript)}
	return newDistributed(b, ttl), client.Close, nil
}

func newDistributed(b backend, ttl time.Duration) *Distributed {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Distributed{b: b, ttl: ttl}
}

func (d *Distributed) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := d.b.setNX(ctx, key, token, d.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := d.b.deleteIfEqual(ctx, key, token); err != nil {
				slog.Warn("failed to release run lock", "key", key, "error", err)
			}
		})
	}, nil
}

type valkeyBackend struct {
	client  valkey.Client
	release *valkey.Lua
}

func (v *valkeyBackend) setNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cmd := v.client.B().Set().Key(key).Value(value).Nx().PxMilliseconds(ttl.Milliseconds()).Build()
	err := v.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (v *valkeyBackend) deleteIfEqual(ctx context.Context, key, value string) error {
	return v.release.Exec(ctx, v.client, []string{key}, []string{value}).Error()
}
