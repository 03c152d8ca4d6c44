package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/sample-shop/backend/internal/model/chat"
)

// Key layout: {prefix}{id}:gen holds the current generation and
// {prefix}{id}:turns:<gen> the JSON turns recorded for it. The session key is
// a hash tag so both keys share a cluster slot.

// KEYS[1]=gen key ARGV[1]=new generation ARGV[2]=ttl ms, 0 for none ARGV[3]=turns key prefix
var beginScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if old then
  redis.call('DEL', ARGV[3] .. old)
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// Appends only while ARGV[1] is current and pushes both expiries out.
// KEYS[1]=gen key KEYS[2]=turns key ARGV[1]=generation ARGV[2]=ttl ms ARGV[3..]=turns
var appendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('RPUSH', KEYS[2], unpack(ARGV, 3))
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return 1
`)

// KEYS[1]=gen key ARGV[1]=turns key prefix
var clearScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if old then
  redis.call('DEL', ARGV[1] .. old)
end
redis.call('DEL', KEYS[1])
return 1
`)

type RedisStoreOptions struct {
	Prefix string
	// TTL, when positive, lets Redis expire sessions idle for that long.
	TTL time.Duration
	// Persistent keys never expire, e.g. the default session.
	Persistent []string
}

// RedisStore keeps generations and history in Redis, so backend replicas and
// restarted processes continue the same conversations.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	persistent map[string]struct{}
}

func NewRedisStore(client redis.UniversalClient, opts RedisStoreOptions) *RedisStore {
	persistent := make(map[string]struct{}, len(opts.Persistent))
	for _, id := range opts.Persistent {
		persistent[id] = struct{}{}
	}
	return &RedisStore{client: client, prefix: opts.Prefix, ttl: opts.TTL, persistent: persistent}
}

func (s *RedisStore) generationKey(sessionID string) string {
	return s.prefix + "{" + sessionID + "}:gen"
}

func (s *RedisStore) turnsPrefix(sessionID string) string {
	return s.prefix + "{" + sessionID + "}:turns:"
}

func (s *RedisStore) ttlMillis(sessionID string) int64 {
	if _, ok := s.persistent[sessionID]; ok || s.ttl <= 0 {
		return 0
	}
	return s.ttl.Milliseconds()
}

// ExpiresIdle reports whether Redis expires idle sessions itself.
func (s *RedisStore) ExpiresIdle() bool {
	return s.ttl > 0
}

func (s *RedisStore) Generation(ctx context.Context, sessionID string) (string, error) {
	gen, err := s.client.Get(ctx, s.generationKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "load generation for session %s", sessionID)
	}
	return gen, nil
}

func (s *RedisStore) Begin(ctx context.Context, sessionID, generation string) error {
	keys := []string{s.generationKey(sessionID)}
	if err := beginScript.Run(ctx, s.client, keys, generation, s.ttlMillis(sessionID), s.turnsPrefix(sessionID)).Err(); err != nil {
		return errors.Wrapf(err, "begin generation for session %s", sessionID)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID, generation string) ([]chat.Turn, error) {
	raw, err := s.client.LRange(ctx, s.turnsPrefix(sessionID)+generation, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load history for session %s", sessionID)
	}

	turns := make([]chat.Turn, 0, len(raw))
	for _, item := range raw {
		var turn chat.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, errors.Wrapf(err, "decode turn for session %s", sessionID)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *RedisStore) Append(ctx context.Context, sessionID, generation string, turns ...chat.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	args := make([]any, 0, len(turns)+2)
	args = append(args, generation, s.ttlMillis(sessionID))
	for _, turn := range turns {
		data, err := json.Marshal(turn)
		if err != nil {
			return errors.Wrap(err, "encode turn")
		}
		args = append(args, string(data))
	}

	keys := []string{s.generationKey(sessionID), s.turnsPrefix(sessionID) + generation}
	applied, err := appendScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return errors.Wrapf(err, "append history for session %s", sessionID)
	}
	if applied == 0 {
		return ErrGenerationSuperseded
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	keys := []string{s.generationKey(sessionID)}
	if err := clearScript.Run(ctx, s.client, keys, s.turnsPrefix(sessionID)).Err(); err != nil {
		return errors.Wrapf(err, "clear history for session %s", sessionID)
	}
	return nil
}

var (
	_ HistoryStore = (*RedisStore)(nil)
	_ idleExpirer  = (*RedisStore)(nil)
)
