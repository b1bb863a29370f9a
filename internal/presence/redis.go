package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

const presencePrefix = "presence:"

// Every script creates the default record first so a claim against an
// unknown agent sees "offline" rather than a missing hash.
const ensureLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'status', 'offline', 'max', ARGV[1], 'count', 0,
    'last_status_change', ARGV[2], 'last_activity_at', ARGV[2])
  redis.call('SADD', KEYS[2], KEYS[3])
end
`

// ARGV: default max, now, status, max or ''
var setStatusScript = redis.NewScript(ensureLua + `
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[3] then
  redis.call('HSET', KEYS[1], 'status', ARGV[3], 'last_status_change', ARGV[2])
end
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'max', ARGV[4])
end
redis.call('HSET', KEYS[1], 'last_activity_at', ARGV[2])
return 1
`)

// ARGV: default max, now, '1' to count as activity
var touchScript = redis.NewScript(ensureLua + `
if ARGV[3] == '1' then
  redis.call('HSET', KEYS[1], 'last_activity_at', ARGV[2])
end
return 1
`)

// ARGV: default max, now
var claimScript = redis.NewScript(ensureLua + `
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'online' and status ~= 'busy' then
  return 0
end
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
local max = tonumber(redis.call('HGET', KEYS[1], 'max'))
if count >= max then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSET', KEYS[1], 'last_activity_at', ARGV[2])
return 1
`)

// ARGV: default max, now
var releaseScript = redis.NewScript(ensureLua + `
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
if count > 0 then
  return redis.call('HINCRBY', KEYS[1], 'count', -1)
end
return 0
`)

// RedisRegistry stores presence in Redis hashes; claims run as Lua scripts.
type RedisRegistry struct {
	rdb   redis.UniversalClient
	now   func() time.Time
	group singleflight.Group
}

// NewRedisRegistry wraps a Redis client.
func NewRedisRegistry(rdb redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, now: time.Now}
}

var _ Registry = (*RedisRegistry)(nil)

func agentKey(companyID, userID string) string {
	return presencePrefix + companyID + ":" + userID
}

func teamKey(companyID string) string {
	return presencePrefix + "team:" + companyID
}

func (r *RedisRegistry) keys(companyID, userID string) []string {
	return []string{agentKey(companyID, userID), teamKey(companyID), userID}
}

func (r *RedisRegistry) baseArgs() []any {
	return []any{model.DefaultMaxConcurrentChats, r.now().UnixMilli()}
}

func (r *RedisRegistry) GetStatus(ctx context.Context, companyID, userID string) (*model.AgentPresence, error) {
	// Concurrent lazy creations of the same record collapse into one round trip.
	v, err, _ := r.group.Do(agentKey(companyID, userID), func() (any, error) {
		if err := touchScript.Run(ctx, r.rdb, r.keys(companyID, userID), append(r.baseArgs(), "0")...).Err(); err != nil {
			return nil, fmt.Errorf("ensure presence: %w", err)
		}
		return r.load(ctx, companyID, userID)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*model.AgentPresence)
	return &out, nil
}

func (r *RedisRegistry) SetStatus(ctx context.Context, companyID, userID string, status model.PresenceStatus, maxChats *int) (*model.AgentPresence, error) {
	if err := validateCap(maxChats); err != nil {
		return nil, err
	}
	capArg := ""
	if maxChats != nil {
		capArg = strconv.Itoa(*maxChats)
	}
	args := append(r.baseArgs(), string(status), capArg)
	if err := setStatusScript.Run(ctx, r.rdb, r.keys(companyID, userID), args...).Err(); err != nil {
		return nil, fmt.Errorf("set presence: %w", err)
	}
	return r.load(ctx, companyID, userID)
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, companyID, userID string) (*model.AgentPresence, error) {
	if err := touchScript.Run(ctx, r.rdb, r.keys(companyID, userID), append(r.baseArgs(), "1")...).Err(); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return r.load(ctx, companyID, userID)
}

func (r *RedisRegistry) TryClaim(ctx context.Context, companyID, userID string) (bool, error) {
	n, err := claimScript.Run(ctx, r.rdb, r.keys(companyID, userID), r.baseArgs()...).Int()
	if err != nil {
		return false, fmt.Errorf("claim capacity: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Release(ctx context.Context, companyID, userID string) error {
	if err := releaseScript.Run(ctx, r.rdb, r.keys(companyID, userID), r.baseArgs()...).Err(); err != nil {
		return fmt.Errorf("release capacity: %w", err)
	}
	return nil
}

func (r *RedisRegistry) ListTeam(ctx context.Context, companyID string) ([]model.AgentPresence, error) {
	users, err := r.rdb.SMembers(ctx, teamKey(companyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list team: %w", err)
	}
	sort.Strings(users)

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(users))
	for i, u := range users {
		cmds[i] = pipe.HGetAll(ctx, agentKey(companyID, u))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load team: %w", err)
	}

	out := make([]model.AgentPresence, 0, len(users))
	for i, u := range users {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		out = append(out, decodePresence(companyID, u, fields))
	}
	return out, nil
}

func (r *RedisRegistry) load(ctx context.Context, companyID, userID string) (*model.AgentPresence, error) {
	fields, err := r.rdb.HGetAll(ctx, agentKey(companyID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}
	if len(fields) == 0 {
		return model.NewAgentPresence(companyID, userID, r.now()), nil
	}
	p := decodePresence(companyID, userID, fields)
	return &p, nil
}

func decodePresence(companyID, userID string, f map[string]string) model.AgentPresence {
	p := model.AgentPresence{
		CompanyID:          companyID,
		UserID:             userID,
		Status:             model.PresenceStatus(f["status"]),
		MaxConcurrentChats: model.DefaultMaxConcurrentChats,
	}
	if n, err := strconv.Atoi(f["max"]); err == nil {
		p.MaxConcurrentChats = n
	}
	if n, err := strconv.Atoi(f["count"]); err == nil {
		p.CurrentChatCount = n
	}
	if ms, err := strconv.ParseInt(f["last_status_change"], 10, 64); err == nil {
		p.LastStatusChange = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(f["last_activity_at"], 10, 64); err == nil {
		p.LastActivityAt = time.UnixMilli(ms).UTC()
	}
	return p
}
