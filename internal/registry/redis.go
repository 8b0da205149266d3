package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/moonkev/flexdisco/internal/common/telemetry"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/redis/go-redis/v9"
)

// refreshScript extends a key by the TTL recorded in its value.
var refreshScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
redis.call('PEXPIRE', KEYS[1], rec.ttlMs)
return 1
`)

const scanCount = 256

// RedisStore keeps one string key per instance with a native Redis TTL. Expiry is observed
// through keyevent notifications, which require notify-keyspace-events to include "Ex".
type RedisStore struct {
	client redis.UniversalClient
	db     int

	mu     sync.Mutex
	closed bool
	subs   []*redis.PubSub
}

// NewRedisStore wraps client. db must be the database the client selects; it names the
// keyevent channel. With configureKeyspace the store enables expiry notifications itself.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, db int, configureKeyspace bool) (*RedisStore, error) {
	if configureKeyspace {
		if err := client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
			return nil, unavailable("config set", err)
		}
	}
	return &RedisStore{client: client, db: db}, nil
}

func (s *RedisStore) Register(ctx context.Context, inst types.ServiceInstance, ttl time.Duration) (created bool, err error) {
	defer func() { observe("register", err) }()
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	val, err := encodeRecord(inst, ttl)
	if err != nil {
		return false, err
	}
	_, err = s.client.SetArgs(ctx, KeyOf(inst), val, redis.SetArgs{TTL: ttl, Get: true}).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, unavailable("set", err)
	}
	return false, nil
}

func (s *RedisStore) Refresh(ctx context.Context, inst types.ServiceInstance) (exists bool, err error) {
	defer func() { observe("refresh", err) }()
	n, err := refreshScript.Run(ctx, s.client, []string{KeyOf(inst)}).Int()
	if err != nil {
		return false, unavailable("refresh", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Unregister(ctx context.Context, inst types.ServiceInstance) (existed bool, err error) {
	defer func() { observe("unregister", err) }()
	n, err := s.client.Del(ctx, KeyOf(inst)).Result()
	if err != nil {
		return false, unavailable("del", err)
	}
	return n > 0, nil
}

func (s *RedisStore) ListAll(ctx context.Context) (map[types.ServiceType][]types.ServiceInstance, error) {
	list, err := s.list(ctx, KeyPrefix+keySep+"*")
	if err != nil {
		return nil, err
	}
	return group(list), nil
}

func (s *RedisStore) ListByType(ctx context.Context, st types.ServiceType) ([]types.ServiceInstance, error) {
	list, err := s.list(ctx, KeyPrefix+keySep+st.String()+keySep+"*")
	if err != nil {
		return nil, err
	}
	sortInstances(list)
	return list, nil
}

func (s *RedisStore) list(ctx context.Context, match string) (out []types.ServiceInstance, err error) {
	defer func() { observe("list", err) }()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, unavailable("scan", err)
		}
		if len(keys) > 0 {
			vals, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, unavailable("mget", err)
			}
			for i, v := range vals {
				raw, ok := v.(string)
				if !ok {
					// expired between SCAN and MGET
					continue
				}
				rec, err := decodeRecord(raw)
				if err != nil {
					slog.Error("Skipping undecodable registry entry", "key", keys[i], "error", err)
					continue
				}
				out = append(out, rec.Instance)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Expirations subscribes to the expired keyevent channel of the store's database. Every
// expired key of the database is forwarded, including keys outside the registry namespace.
func (s *RedisStore) Expirations(ctx context.Context) (<-chan string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, unavailable("psubscribe", redis.ErrClosed)
	}
	s.mu.Unlock()

	pattern := fmt.Sprintf("__keyevent@%d__:expired", s.db)
	ps := s.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("psubscribe", err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, ps)
	s.mu.Unlock()

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if IsServiceKey(msg.Payload) {
					telemetry.MetricRegistryExpirations.Inc()
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	slog.Info("Watching redis key expirations", "pattern", pattern)
	return out, nil
}

// Close ends every expiration subscription; the client is owned by the caller.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, ps := range s.subs {
		_ = ps.Close()
	}
	s.subs = nil
	return nil
}
