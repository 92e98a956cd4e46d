// Package redislease implements lease.Store on Redis. Ownership changes run
// as Lua scripts so each check-and-set is atomic on the server.
package redislease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/lease"
)

// DefaultPrefix namespaces lease keys.
const DefaultPrefix = "fnhost:lease:"

var acquireScript = rueidis.NewLuaScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner and owner ~= ARGV[1] then
  return -1
end
local fencing
if owner then
  fencing = tonumber(redis.call('HGET', KEYS[1], 'fencing'))
else
  fencing = redis.call('INCR', KEYS[2])
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'fencing', fencing)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return fencing
`)

var renewScript = rueidis.NewLuaScript(`
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
  return 0
end
if redis.call('HGET', KEYS[1], 'fencing') ~= ARGV[2] then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var releaseScript = rueidis.NewLuaScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if not owner then
  return 1
end
if owner ~= ARGV[1] or redis.call('HGET', KEYS[1], 'fencing') ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// Config configures the store.
type Config struct {
	// Prefix is prepended to every key. Defaults to DefaultPrefix.
	Prefix string
	Clock  clock.Clock
}

// Store is a lease.Store over a rueidis client.
type Store struct {
	client rueidis.Client
	prefix string
	clock  clock.Clock
}

// New wraps client. The caller keeps ownership of the client.
func New(client rueidis.Client, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: cfg.Prefix, clock: clock.Ensure(cfg.Clock)}
}

// Dial connects to the Redis servers at addrs.
func Dial(addrs []string, cfg Config) (*Store, func(), error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: addrs, DisableCache: true})
	if err != nil {
		return nil, nil, fmt.Errorf("redislease: connect: %w", err)
	}
	return New(client, cfg), client.Close, nil
}

// keys share a hash tag so the scripts stay on one cluster slot.
func (s *Store) keys(resource string) []string {
	base := s.prefix + "{" + resource + "}"
	return []string{base, base + ":fencing"}
}

// Acquire grants resource to owner when it is free or already owned by owner.
func (s *Store) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (lease.Lease, error) {
	if err := lease.ValidateResource(resource); err != nil {
		return lease.Lease{}, err
	}
	if owner == "" || ttl < time.Millisecond {
		return lease.Lease{}, fmt.Errorf("redislease: owner and ttl of at least 1ms required")
	}
	now := s.clock.Now()
	fencing, err := acquireScript.Exec(ctx, s.client, s.keys(resource), []string{owner, strconv.FormatInt(ttl.Milliseconds(), 10)}).AsInt64()
	if err != nil {
		return lease.Lease{}, fmt.Errorf("redislease: acquire %s: %w", resource, err)
	}
	if fencing < 0 {
		return lease.Lease{}, lease.ErrLeaseHeld
	}
	return lease.Lease{Resource: resource, Owner: owner, ExpiresAt: now.Add(ttl), Fencing: fencing}, nil
}

// Renew extends l by ttl from now.
func (s *Store) Renew(ctx context.Context, l lease.Lease, ttl time.Duration) (lease.Lease, error) {
	now := s.clock.Now()
	args := []string{l.Owner, strconv.FormatInt(l.Fencing, 10), strconv.FormatInt(ttl.Milliseconds(), 10)}
	ok, err := renewScript.Exec(ctx, s.client, s.keys(l.Resource), args).AsInt64()
	if err != nil {
		return lease.Lease{}, fmt.Errorf("redislease: renew %s: %w", l.Resource, err)
	}
	if ok != 1 {
		return lease.Lease{}, lease.ErrLeaseLost
	}
	l.ExpiresAt = now.Add(ttl)
	return l, nil
}

// Release deletes l when still owned. A missing lease is not an error.
func (s *Store) Release(ctx context.Context, l lease.Lease) error {
	args := []string{l.Owner, strconv.FormatInt(l.Fencing, 10)}
	ok, err := releaseScript.Exec(ctx, s.client, s.keys(l.Resource), args).AsInt64()
	if err != nil {
		return fmt.Errorf("redislease: release %s: %w", l.Resource, err)
	}
	if ok != 1 {
		return lease.ErrLeaseLost
	}
	return nil
}
