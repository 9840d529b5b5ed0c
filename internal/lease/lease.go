// Package lease keeps a single scheduler instance active per account using a
// Redis key with an owner token and TTL.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

// ErrLost is the cancellation cause when renewal finds the key gone or owned
// by another instance.
var ErrLost = errors.New("lease: lost to another instance")

var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Lease is a Redis-backed mutual exclusion lock. A nil Lease is always held.
type Lease struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
	logger *logging.Logger

	// renewEvery is how often Keep extends the key.
	renewEvery time.Duration

	mu   sync.Mutex
	held bool
}

// New creates a lease on key with a random owner token.
func New(client redis.UniversalClient, key string, ttl time.Duration, logger *logging.Logger) *Lease {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Lease{
		client: client,
		key:    key,
		owner:  uuid.NewString(),
		ttl:    ttl,
		logger: logger.Module("lease"),

		renewEvery: ttl / 3,
	}
}

// Owner returns this instance's token.
func (l *Lease) Owner() string {
	if l == nil {
		return ""
	}
	return l.owner
}

// Held reports the last known ownership without contacting Redis.
func (l *Lease) Held() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire takes the lease if nobody holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease: acquire: %w", err)
	}
	l.setHeld(ok)
	if ok {
		l.logger.Info("lease acquired", "key", l.key, "owner", l.owner, "ttl", l.ttl.String())
	}
	return ok, nil
}

// Extend pushes the expiry out by the TTL if this instance still owns it.
func (l *Lease) Extend(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lease: extend: %w", err)
	}
	l.setHeld(n == 1)
	return n == 1, nil
}

// Hold extends a held lease or tries to acquire a free one. Called once per
// loop iteration.
func (l *Lease) Hold(ctx context.Context) (bool, error) {
	if l == nil {
		return true, nil
	}
	if l.Held() {
		ok, err := l.Extend(ctx)
		if err != nil || ok {
			return ok, err
		}
		l.logger.Warn("lease lost", "key", l.key)
	}
	return l.Acquire(ctx)
}

// Keep renews the lease in the background until the returned stop func is
// called or ctx ends. The returned context is cancelled with ErrLost as soon
// as a renewal fails, so work that outlives the TTL cannot overlap another
// instance.
func (l *Lease) Keep(ctx context.Context) (context.Context, func()) {
	kctx, cancel := context.WithCancelCause(ctx)
	if l == nil {
		return kctx, func() { cancel(nil) }
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-kctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := l.Extend(kctx)
			if kctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				l.logger.Warn("lease lost while working", "key", l.key, "error", err)
				l.setHeld(false)
				cancel(ErrLost)
				return
			}
		}
	}()

	return kctx, func() {
		cancel(nil)
		<-done
	}
}

// Release gives the lease up if this instance owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int64(); err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	l.setHeld(false)
	l.logger.Info("lease released", "key", l.key)
	return nil
}

func (l *Lease) setHeld(held bool) {
	l.mu.Lock()
	l.held = held
	l.mu.Unlock()
}
