package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/keymarket/internal/model"
)

const (
	sessionPrefix = "keymarket:session:"
	paymentPrefix = "keymarket:payment:"
	pendingMarker = "pending"
)

// Redis is a Store shared by every replica. Each session is a JSON
// value whose expiry is refreshed on every write.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

var _ Store = (*Redis)(nil)

// NewRedis returns a Redis-backed Store. A zero ttl never expires sessions.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

func sessionKey(buyerID int64) string { return sessionPrefix + strconv.FormatInt(buyerID, 10) }

func (r *Redis) put(ctx context.Context, s model.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(s.BuyerID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session for %d: %w", s.BuyerID, err)
	}
	return nil
}

func (r *Redis) Select(ctx context.Context, buyerID, productID int64) error {
	return r.put(ctx, model.Session{
		BuyerID:   buyerID,
		ProductID: productID,
		Stage:     model.StageSelected,
		UpdatedAt: r.now(),
	})
}

func (r *Redis) Get(ctx context.Context, buyerID int64) (model.Session, error) {
	b, err := r.client.Get(ctx, sessionKey(buyerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Session{}, model.ErrNoActiveSession
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to load session for %d: %w", buyerID, err)
	}
	var s model.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return model.Session{}, fmt.Errorf("failed to decode session for %d: %w", buyerID, err)
	}
	return s, nil
}

func (r *Redis) MarkAwaitingPayment(ctx context.Context, buyerID int64) error {
	s, err := r.Get(ctx, buyerID)
	if err != nil {
		return err
	}
	s.Stage = model.StageAwaitingPayment
	s.UpdatedAt = r.now()
	return r.put(ctx, s)
}

func (r *Redis) Clear(ctx context.Context, buyerID int64) error {
	if err := r.client.Del(ctx, sessionKey(buyerID)).Err(); err != nil {
		return fmt.Errorf("failed to clear session for %d: %w", buyerID, err)
	}
	return nil
}

// RedisRegistry claims transaction ids with SETNX. A pending claim lives
// for claimTTL so a crashed replica cannot hold an id forever; Complete
// replaces it with the outcome, kept for retention. Zero never expires.
type RedisRegistry struct {
	client    *redis.Client
	retention time.Duration
	claimTTL  time.Duration
}

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(client *redis.Client, retention, claimTTL time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, retention: retention, claimTTL: claimTTL}
}

func (r *RedisRegistry) Claim(ctx context.Context, txID string) (Claim, error) {
	key := paymentPrefix + txID
	ok, err := r.client.SetNX(ctx, key, pendingMarker, r.claimTTL).Result()
	if err != nil {
		return Claim{}, fmt.Errorf("failed to claim payment %q: %w", txID, err)
	}
	if ok {
		return Claim{Claimed: true}, nil
	}
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// released or expired between SETNX and GET; report in flight so
		// the caller retries rather than double-processing
		return Claim{}, nil
	}
	if err != nil {
		return Claim{}, fmt.Errorf("failed to read payment %q: %w", txID, err)
	}
	if v == pendingMarker {
		return Claim{}, nil
	}
	var o Outcome
	if err := json.Unmarshal([]byte(v), &o); err != nil {
		return Claim{}, fmt.Errorf("failed to decode payment %q: %w", txID, err)
	}
	return Claim{Prior: &o}, nil
}

func (r *RedisRegistry) Complete(ctx context.Context, txID string, o Outcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	if err := r.client.Set(ctx, paymentPrefix+txID, b, r.retention).Err(); err != nil {
		return fmt.Errorf("failed to complete payment %q: %w", txID, err)
	}
	return nil
}

// releaseScript deletes the claim only while it is still pending.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (r *RedisRegistry) Release(ctx context.Context, txID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{paymentPrefix + txID}, pendingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release payment %q: %w", txID, err)
	}
	return nil
}
