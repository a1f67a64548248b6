// Package quota implements the per-identity generation quota as a
// Redis-backed fixed-window counter.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"snapcaption/pkg/domain"
)

// reserveScript performs the whole load-or-init / check / increment cycle
// atomically per key, so concurrent reservations can never over-admit or
// lose an increment. The window is re-initialized in place once expired.
var reserveScript = redis.NewScript(`
local start = tonumber(redis.call("HGET", KEYS[1], "start"))
local count = tonumber(redis.call("HGET", KEYS[1], "count"))
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
if not start or not count or now >= start + window then
  start = now
  count = 0
end
if count >= limit then
  return {0, count, start}
end
count = count + 1
redis.call("HSET", KEYS[1], "start", start, "count", count)
redis.call("EXPIRE", KEYS[1], window)
return {1, count, start}
`)

// Tier holds the quota configuration for one identity kind.
type Tier struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Decision is the ledger's answer for one request.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	Tier      string
	ResetTime time.Time
}

// Ledger tracks generation counts per identity key in Redis.
type Ledger struct {
	client        *redis.Client
	prefix        string
	authenticated Tier
	anonymous     Tier
	now           func() time.Time
}

// NewLedger creates a Redis-backed quota ledger with one tier per
// identity kind.
func NewLedger(addr, password, prefix string, authenticated, anonymous Tier) (*Ledger, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("quota ledger redis addr is required")
	}
	for _, tier := range []Tier{authenticated, anonymous} {
		if tier.Limit <= 0 || tier.Window <= 0 {
			return nil, fmt.Errorf("quota tier %q requires positive limit and window", tier.Name)
		}
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "snapcaption:quota"
	}
	return &Ledger{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix:        prefix,
		authenticated: authenticated,
		anonymous:     anonymous,
		now:           time.Now,
	}, nil
}

// CheckAndReserve admits the request when the identity's window has
// room, consuming one slot. Reservations are never rolled back, even
// when the request fails later. Fails closed on Redis errors.
func (l *Ledger) CheckAndReserve(ctx context.Context, id domain.Identity) (Decision, error) {
	tier := l.tierFor(id)
	now := l.now().UTC()
	res, err := reserveScript.Run(ctx, l.client,
		[]string{l.key(id)},
		now.Unix(),
		int64(tier.Window.Seconds()),
		tier.Limit,
	).Int64Slice()
	if err != nil {
		return Decision{Tier: tier.Name, Limit: tier.Limit}, fmt.Errorf("quota reserve: %w", err)
	}
	if len(res) != 3 {
		return Decision{Tier: tier.Name, Limit: tier.Limit}, fmt.Errorf("quota reserve: unexpected script reply %v", res)
	}
	allowed := res[0] == 1
	count := int(res[1])
	windowStart := time.Unix(res[2], 0).UTC()
	return Decision{
		Allowed:   allowed,
		Remaining: max(tier.Limit-count, 0),
		Limit:     tier.Limit,
		Tier:      tier.Name,
		ResetTime: windowStart.Add(tier.Window),
	}, nil
}

// Peek reports the identity's remaining quota without consuming a slot.
func (l *Ledger) Peek(ctx context.Context, id domain.Identity) (Decision, error) {
	tier := l.tierFor(id)
	now := l.now().UTC()
	vals, err := l.client.HMGet(ctx, l.key(id), "start", "count").Result()
	if err != nil {
		return Decision{Tier: tier.Name, Limit: tier.Limit}, fmt.Errorf("quota peek: %w", err)
	}
	fresh := Decision{
		Allowed:   true,
		Remaining: tier.Limit,
		Limit:     tier.Limit,
		Tier:      tier.Name,
		ResetTime: now.Add(tier.Window),
	}
	start, okStart := parseRedisInt(vals[0])
	count, okCount := parseRedisInt(vals[1])
	if !okStart || !okCount {
		return fresh, nil
	}
	windowStart := time.Unix(start, 0).UTC()
	if !now.Before(windowStart.Add(tier.Window)) {
		return fresh, nil
	}
	remaining := max(tier.Limit-int(count), 0)
	return Decision{
		Allowed:   remaining > 0,
		Remaining: remaining,
		Limit:     tier.Limit,
		Tier:      tier.Name,
		ResetTime: windowStart.Add(tier.Window),
	}, nil
}

func (l *Ledger) tierFor(id domain.Identity) Tier {
	if id.Authenticated() {
		return l.authenticated
	}
	return l.anonymous
}

func (l *Ledger) key(id domain.Identity) string {
	key := strings.TrimSpace(id.Key)
	if key == "" {
		key = "unknown"
	}
	return fmt.Sprintf("%s:%s:%s", l.prefix, id.Kind, key)
}

func parseRedisInt(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
