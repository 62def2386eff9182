package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out named leases so that a periodic job runs on one instance
// at a time. Redis makes the lease cluster-wide; a disabled client only
// excludes runs inside this process.
type Locker struct {
	client *Client
	prefix string

	mu    sync.Mutex
	local map[string]time.Time
}

// Lease is a held lock. Release it when the work is done.
type Lease struct {
	locker *Locker
	name   string
	token  string
}

// NewLocker creates a Locker
func NewLocker(client *Client, prefix string) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
		local:  make(map[string]time.Time),
	}
}

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

func (l *Locker) key(name string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, name)
}

// TryAcquire takes the lease on name for ttl. It returns nil, nil when
// another holder has it.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()

	if !l.client.Enabled() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if until, held := l.local[name]; held && time.Now().Before(until) {
			return nil, nil
		}
		l.local[name] = time.Now().Add(ttl)
		return &Lease{locker: l, name: name, token: token}, nil
	}

	ok, err := l.client.Redis().SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{locker: l, name: name, token: token}, nil
}

// Release gives the lease back if it is still ours
func (ls *Lease) Release(ctx context.Context) error {
	l := ls.locker
	if !l.client.Enabled() {
		l.mu.Lock()
		delete(l.local, ls.name)
		l.mu.Unlock()
		return nil
	}
	if err := releaseScript.Run(ctx, l.client.Redis(), []string{l.key(ls.name)}, ls.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", ls.name, err)
	}
	return nil
}
