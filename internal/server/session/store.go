package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps every Redis failure returned by the store.
var ErrStoreUnavailable = errors.New("session store unavailable")

const scanBatchSize = 100

// Session is the JSON payload persisted for each session id.
type Session struct {
	Cookie Cookie         `json:"cookie"`
	User   *User          `json:"user,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Cookie mirrors the attributes of the session cookie that affect expiry.
type Cookie struct {
	Expires *time.Time `json:"expires,omitempty"`
	MaxAge  int64      `json:"originalMaxAge,omitempty"`
}

// User is the user reference embedded in a session.
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// StoreOptions controls key naming and expiry behaviour.
type StoreOptions struct {
	Prefix       string
	DefaultTTL   time.Duration
	DisableTouch bool
	DisableTTL   bool
}

// Store persists sessions in Redis as JSON strings keyed by prefix+id.
type Store struct {
	redis redis.UniversalClient
	opts  StoreOptions
	now   func() time.Time
}

// NewStore creates a session store on top of an existing Redis client.
func NewStore(client redis.UniversalClient, opts StoreOptions) *Store {
	if opts.Prefix == "" {
		opts.Prefix = "sess:"
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	return &Store{redis: client, opts: opts, now: time.Now}
}

func (s *Store) key(id string) string {
	return s.opts.Prefix + id
}

// Get loads a session. A missing key or an undecodable payload yields (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		slog.Warn("discarding undecodable session", "key", s.key(id), "error", err)
		return nil, nil
	}
	return &sess, nil
}

// Set writes the session with a TTL derived from its cookie expiry.
// A session that is already expired is deleted instead of written.
func (s *Store) Set(ctx context.Context, id string, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if s.opts.DisableTTL {
		if err := s.redis.Set(ctx, s.key(id), data, 0).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil
	}

	ttl := s.ttl(sess)
	if ttl <= 0 {
		return s.Destroy(ctx, id)
	}

	if err := s.redis.Set(ctx, s.key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Touch refreshes the key expiry without rewriting the payload.
func (s *Store) Touch(ctx context.Context, id string, sess *Session) error {
	if s.opts.DisableTouch || s.opts.DisableTTL {
		return nil
	}

	ttl := s.ttl(sess)
	if ttl <= 0 {
		return s.Destroy(ctx, id)
	}

	if err := s.redis.Expire(ctx, s.key(id), ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Destroy deletes the session key. Deleting a missing key is not an error.
func (s *Store) Destroy(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// DestroyByUserID scans every session under the prefix and deletes those
// belonging to userID. It returns the number of sessions removed.
//
// This is a full key-space scan. A session written while the scan is in
// progress may be missed; callers use it for best-effort "log out everywhere".
func (s *Store) DestroyByUserID(ctx context.Context, userID int64) (int, error) {
	var removed int

	iter := s.redis.Scan(ctx, 0, s.opts.Prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		data, err := s.redis.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		if sess.User == nil || sess.User.ID != userID {
			continue
		}

		if err := s.redis.Del(ctx, key).Err(); err != nil {
			return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return removed, nil
}

func (s *Store) ttl(sess *Session) time.Duration {
	if sess != nil && sess.Cookie.Expires != nil {
		return sess.Cookie.Expires.Sub(s.now())
	}
	return s.opts.DefaultTTL
}
