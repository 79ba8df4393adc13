package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/infra/redis"
	"github.com/vietddude/txtracker/internal/metrics"
)

// updateScript patches fields of a live session. It returns 0 when the key is
// gone, -1 when a finished session would move back to pending and 1 otherwise.
// ARGV[1] is the new status or empty; the rest are field/value pairs.
var updateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if ARGV[1] == 'pending' then
	local current = redis.call('HGET', KEYS[1], 'status')
	if current and current ~= 'pending' then
		return -1
	end
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
return 1
`)

// addressScript sets the address, creating a placeholder session with a
// fresh TTL when none is live. ARGV: address, sessionId, createdAt ms, ttl ms.
var addressScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'address', ARGV[1])
	return 0
end
redis.call('HSET', KEYS[1], 'sessionId', ARGV[2], 'address', ARGV[1], 'status', 'pending', 'createdAt', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// storeScript replaces a session with the fields in ARGV[2..]. A live
// session's captured address survives, and so does a terminal outcome the
// signer already reported. ARGV[1] is the TTL in ms. Returns the stored hash.
var storeScript = goredis.NewScript(`
local prev = redis.call('HMGET', KEYS[1], 'address', 'status', 'txId', 'errorMessage')
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
if prev[1] and prev[1] ~= '' and redis.call('HGET', KEYS[1], 'address') == '' then
	redis.call('HSET', KEYS[1], 'address', prev[1])
end
if prev[2] and prev[2] ~= 'pending' then
	redis.call('HSET', KEYS[1], 'status', prev[2], 'txId', prev[3] or '', 'errorMessage', prev[4] or '')
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// RedisRegistry stores each session as a Redis hash whose TTL is the expiry
// window, so several API instances can share sessions.
type RedisRegistry struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

// NewRedisRegistry creates a registry on client.
func NewRedisRegistry(client *redis.Client, cfg Config) *RedisRegistry {
	return &RedisRegistry{client: client, cfg: cfg.WithDefaults(), now: time.Now}
}

func (r *RedisRegistry) key(id string) string {
	return r.client.Key("session", id)
}

func (r *RedisRegistry) Store(ctx context.Context, req CreateRequest) (_ *domain.SigningSession, err error) {
	defer func() { metrics.SessionOpsTotal.WithLabelValues("store", resultLabel(err)).Inc() }()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s := newSession(req, nil, r.now())
	args := append([]any{r.cfg.ExpiryWindow.Milliseconds()}, toHash(s)...)
	flat, err := storeScript.Run(ctx, r.client.RDB(), []string{r.key(s.SessionID)}, args...).StringSlice()
	if err != nil {
		return nil, unavailable("store session", err)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	return fromHash(fields), nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*domain.SigningSession, error) {
	fields, err := r.client.RDB().HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, unavailable("get session", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return fromHash(fields), nil
}

func (r *RedisRegistry) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (err error) {
	defer func() { metrics.SessionOpsTotal.WithLabelValues("update_status", resultLabel(err)).Inc() }()
	if err := update.Validate(); err != nil {
		return err
	}

	args := []any{string(update.Status), "status", string(update.Status)}
	if update.TxID != "" {
		args = append(args, "txId", update.TxID)
	}
	if update.ErrorMessage != "" {
		args = append(args, "errorMessage", update.ErrorMessage)
	}
	res, err := updateScript.Run(ctx, r.client.RDB(), []string{r.key(id)}, args...).Int()
	if err != nil {
		return unavailable("update session status", err)
	}
	switch res {
	case 0:
		return domain.ErrSessionNotFound
	case -1:
		return fmt.Errorf("%w: session is no longer pending", domain.ErrInvalidTransition)
	}
	return nil
}

func (r *RedisRegistry) UpdateAddress(ctx context.Context, id, address string) (err error) {
	defer func() { metrics.SessionOpsTotal.WithLabelValues("update_address", resultLabel(err)).Inc() }()
	if err := validateAddress(address); err != nil {
		return err
	}

	res, err := updateScript.Run(ctx, r.client.RDB(), []string{r.key(id)}, "", "address", address).Int()
	if err != nil {
		return unavailable("update session address", err)
	}
	if res == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *RedisRegistry) StoreOrUpdateAddress(ctx context.Context, id, address string) (_ *domain.SigningSession, err error) {
	defer func() { metrics.SessionOpsTotal.WithLabelValues("store_address", resultLabel(err)).Inc() }()
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := validateAddress(address); err != nil {
		return nil, err
	}

	createdAt := strconv.FormatInt(r.now().UnixMilli(), 10)
	ttl := strconv.FormatInt(r.cfg.ExpiryWindow.Milliseconds(), 10)
	if err := addressScript.Run(ctx, r.client.RDB(), []string{r.key(id)}, address, id, createdAt, ttl).Err(); err != nil {
		return nil, unavailable("store session address", err)
	}
	return r.Get(ctx, id)
}

func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	if err := r.client.RDB().Del(ctx, r.key(id)).Err(); err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

// CleanupExpired does nothing: Redis drops keys when their TTL runs out.
func (r *RedisRegistry) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, op, err)
}

func toHash(s *domain.SigningSession) []any {
	return []any{
		"sessionId", s.SessionID,
		"operationType", string(s.OperationType),
		"fromAmount", s.FromAmount,
		"toAmount", s.ToAmount,
		"baseAmount", s.BaseAmount,
		"stableAmount", s.StableAmount,
		"volatileAmount", s.VolatileAmount,
		"address", s.Address,
		"status", string(s.Status),
		"txId", s.TxID,
		"errorMessage", s.ErrorMessage,
		"createdAt", strconv.FormatInt(s.CreatedAt.UnixMilli(), 10),
	}
}

func fromHash(h map[string]string) *domain.SigningSession {
	createdMs, _ := strconv.ParseInt(h["createdAt"], 10, 64)
	return &domain.SigningSession{
		SessionID:      h["sessionId"],
		OperationType:  domain.ActionType(h["operationType"]),
		FromAmount:     h["fromAmount"],
		ToAmount:       h["toAmount"],
		BaseAmount:     h["baseAmount"],
		StableAmount:   h["stableAmount"],
		VolatileAmount: h["volatileAmount"],
		Address:        h["address"],
		Status:         domain.SessionStatus(h["status"]),
		TxID:           h["txId"],
		ErrorMessage:   h["errorMessage"],
		CreatedAt:      time.UnixMilli(createdMs),
	}
}
