package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndIncr reserves n operations against a daily counter only when the
// new total stays within the limit. Runs server-side so concurrent runs
// cannot both pass the check.
var checkAndIncr = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + n > limit then
  return 0
end
redis.call('INCRBY', KEYS[1], n)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
return 1
`)

// RedisLedger is a self-hosted quota guard for deployments without the
// external users service. Premium users always pass, free users get a
// fixed daily allowance of advanced operations, anonymous users get none.
type RedisLedger struct {
	client *redis.Client
	tiers  TierSource
	daily  int
	now    func() time.Time
}

// NewRedisLedger builds a ledger on a Redis URL. dailyLimit is the free
// tier's allowance of advanced operations per UTC day.
func NewRedisLedger(url string, tiers TierSource, dailyLimit int) (*RedisLedger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisLedger{client: client, tiers: tiers, daily: dailyLimit, now: time.Now}, nil
}

// Close closes the underlying Redis client.
func (l *RedisLedger) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

// CheckAndReserve applies the tier rules and, for free users, reserves the
// requested operations atomically. A denied check reserves nothing.
func (l *RedisLedger) CheckAndReserve(ctx context.Context, userID string, advancedOps int) (bool, error) {
	if advancedOps < 0 {
		return false, fmt.Errorf("negative advanced op count %d", advancedOps)
	}
	if advancedOps == 0 {
		return true, nil
	}
	tier, err := l.tiers.Tier(ctx, userID)
	if err != nil {
		return false, err
	}
	switch tier {
	case TierPremium:
		return true, nil
	case TierAnonymous:
		return false, nil
	case TierFree:
		// Counter keys outlive the day they belong to so a run straddling
		// midnight still sees its own reservation.
		key := l.dayKey(userID)
		ok, err := checkAndIncr.Run(ctx, l.client, []string{key},
			advancedOps, l.daily, int((48 * time.Hour).Seconds())).Int()
		if err != nil {
			return false, fmt.Errorf("quota reserve: %w", err)
		}
		return ok == 1, nil
	default:
		return false, fmt.Errorf("unknown tier %q", tier)
	}
}

func (l *RedisLedger) dayKey(userID string) string {
	return "quota:daily:" + userID + ":" + l.now().UTC().Format("2006-01-02")
}
