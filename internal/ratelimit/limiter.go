// Package ratelimit throttles outbound chat traffic with a fixed-window
// counter in Redis (INCR + EXPIRE). Counters live in Redis rather than in
// process memory so every client signed in as the same user shares one budget.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:send:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleSend allows 10 outbound messages per minute per user.
var RuleSend = Rule{Key: "rl:send:", Limit: 10, Window: time.Minute}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether identifier is within the limit defined by rule. It
// increments the counter and sets the expiry on first access.
//
// On Redis errors it fails open (returns true) so that a Redis outage never
// blocks a user from sending.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// Without a TTL the key would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests identifier has left in the current
// window. It returns the full limit when no window is open or Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Throttle binds a Limiter to one user and rule. It satisfies the send
// limiter expected by the chat coordinator.
type Throttle struct {
	limiter *Limiter
	userID  string
	rule    Rule
}

// Throttle returns a Throttle charging every check to userID under rule.
func (l *Limiter) Throttle(userID string, rule Rule) *Throttle {
	return &Throttle{limiter: l, userID: userID, rule: rule}
}

// Allow charges one message to the user's budget. The budget is shared by all
// of the user's conversations, so chatID is only logged on rejection.
func (t *Throttle) Allow(ctx context.Context, chatID string) (bool, error) {
	allowed, err := t.limiter.Allow(ctx, t.userID, t.rule)
	if !allowed {
		log.Printf("[ratelimit] user=%s over %d/%s, rejecting send to chat=%s", t.userID, t.rule.Limit, t.rule.Window, chatID)
	}
	return allowed, err
}
