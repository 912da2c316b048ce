package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TokenPrefix is the Redis key prefix for stored bearer tokens.
	TokenPrefix = "session:token:"

	// RotationPrefix is the pub/sub channel prefix announcing token changes.
	RotationPrefix = "session:rotated:"

	// TokenTTL is the default time-to-live for stored tokens.
	TokenTTL = 24 * time.Hour
)

// Store keeps the bearer token of one user in Redis.
type Store struct {
	client *redis.Client
	userID string
}

// NewStore creates a new credential store connected to Redis.
func NewStore(redisAddr string, userID string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, userID: userID}, nil
}

func (s *Store) tokenKey() string {
	return TokenPrefix + s.userID
}

func (s *Store) rotationChannel() string {
	return RotationPrefix + s.userID
}

// Token returns the stored token, or "" when none is stored.
func (s *Store) Token(ctx context.Context) (string, error) {
	token, err := s.client.Get(ctx, s.tokenKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: get token: %w", err)
	}
	return token, nil
}

// SetToken stores token with the given TTL and announces the rotation. A zero
// ttl uses TokenTTL.
func (s *Store) SetToken(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = TokenTTL
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.tokenKey(), token, ttl)
	pipe.Publish(ctx, s.rotationChannel(), "set")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: set token: %w", err)
	}
	return nil
}

// Clear removes the stored token and announces the logout.
func (s *Store) Clear(ctx context.Context) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.tokenKey())
	pipe.Publish(ctx, s.rotationChannel(), "cleared")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: clear token: %w", err)
	}
	return nil
}

// Watch calls fn with the current token every time it is rotated or cleared.
// The announcement never carries the token; it is re-read from Redis. Watch
// blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context, fn func(token string)) error {
	sub := s.client.Subscribe(ctx, s.rotationChannel())
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("session: subscribe rotations: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			token, err := s.Token(ctx)
			if err != nil {
				log.Printf("[session] reload token after rotation: %v", err)
				continue
			}
			fn(token)
		}
	}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
