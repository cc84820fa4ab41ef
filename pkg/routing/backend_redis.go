package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisDepositScript applies a deposit to a trail hash atomically.
// KEYS[1] = trail hash
// KEYS[2] = trail index set
// ARGV[1] = path
// ARGV[2] = now (unix seconds, microsecond precision)
// ARGV[3] = half-life in seconds (<= 0 disables decay)
// ARGV[4] = 1 for success, 0 for failure
// ARGV[5] = deposit strength
// ARGV[6] = latency in seconds (0 when unknown)
// ARGV[7] = reward
// ARGV[8] = load delta
var redisDepositScript = redis.NewScript(`
local h = KEYS[1]
local now = tonumber(ARGV[2])
local half = tonumber(ARGV[3])
local success = tonumber(ARGV[4])
local amount = tonumber(ARGV[5])
local latency = tonumber(ARGV[6])
local reward = tonumber(ARGV[7])
local load_delta = tonumber(ARGV[8])

local s = redis.call("HMGET", h, "strength", "strength_at", "created_at", "avg_latency", "latency_count", "load")
local base = tonumber(s[1]) or 0
local at = tonumber(s[2]) or now
local created = s[3] or ARGV[2]
local avg = tonumber(s[4]) or 0
local n = tonumber(s[5]) or 0
local load = tonumber(s[6]) or 0

local dt = now - at
if half > 0 and dt > 0 then
    base = base * math.exp(-0.6931471805599453 / half * dt)
end
if base < 0 then
    base = 0
end

local gain = 0
if success == 1 then
    redis.call("HINCRBY", h, "success", 1)
    redis.call("HINCRBYFLOAT", h, "sig_success", amount)
    gain = amount
else
    redis.call("HINCRBY", h, "failure", 1)
    redis.call("HINCRBYFLOAT", h, "sig_failure", amount)
end
if reward ~= 0 then
    redis.call("HINCRBYFLOAT", h, "sig_reward", reward)
    if reward > 0 then
        gain = gain + reward
    end
end

if latency > 0 then
    n = n + 1
    avg = avg + (latency - avg) / n
end

load = load + load_delta
if load < 0 then
    load = 0
end

local strength = base + gain
redis.call("HSET", h,
    "path", ARGV[1],
    "strength", tostring(strength),
    "strength_at", ARGV[2],
    "created_at", created,
    "updated_at", ARGV[2],
    "avg_latency", tostring(avg),
    "latency_count", tostring(n),
    "load", tostring(load))
redis.call("SADD", KEYS[2], ARGV[1])
return tostring(strength)
`)

// redisEvaporateScript runs one evaporation pass over every indexed trail.
// KEYS[1] = trail index set
// ARGV[1] = trail hash key prefix
// ARGV[2] = now
// ARGV[3] = half-life in seconds
// ARGV[4] = factor
// ARGV[5] = floor
var redisEvaporateScript = redis.NewScript(`
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local half = tonumber(ARGV[3])
local factor = tonumber(ARGV[4])
local floor = tonumber(ARGV[5])
local removed = 0

for _, path in ipairs(redis.call("SMEMBERS", KEYS[1])) do
    local h = prefix .. path
    local s = redis.call("HMGET", h, "strength", "strength_at")
    local base = tonumber(s[1])
    if not base then
        redis.call("SREM", KEYS[1], path)
    else
        local at = tonumber(s[2]) or now
        local dt = now - at
        if half > 0 and dt > 0 then
            base = base * math.exp(-0.6931471805599453 / half * dt)
        end
        base = base * factor
        if base < floor then
            redis.call("DEL", h)
            redis.call("SREM", KEYS[1], path)
            removed = removed + 1
        else
            redis.call("HSET", h, "strength", tostring(base), "strength_at", ARGV[2])
        end
    end
end
return removed
`)

// RedisBackend stores each trail as a hash and keeps an index set of paths.
// Deposits and evaporation run as Lua scripts, so concurrent writers from
// several processes never lose updates. The evaporation script derives keys
// from the index, so the backend expects a single Redis node.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "eventfabric"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// NewRedisBackendFromAddr dials a single Redis node.
func NewRedisBackendFromAddr(addr, password string, db int, prefix string) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisBackend(rdb, prefix)
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error { return r.client.Close() }

func (r *RedisBackend) indexKey() string         { return r.prefix + ":trails" }
func (r *RedisBackend) trailPrefix() string      { return r.prefix + ":trail:" }
func (r *RedisBackend) trailKey(p string) string { return r.trailPrefix() + p }

func (r *RedisBackend) Deposit(ctx context.Context, path string, d Deposit, now time.Time, halfLife time.Duration) (Trail, error) {
	success := 0
	if d.Success {
		success = 1
	}
	err := redisDepositScript.Run(ctx, r.client,
		[]string{r.trailKey(path), r.indexKey()},
		path, unixSeconds(now), halfLife.Seconds(), success, d.strength(),
		d.Latency.Seconds(), d.Reward, d.LoadDelta,
	).Err()
	if err != nil {
		return Trail{}, fmt.Errorf("redis deposit %s: %w", path, err)
	}
	return r.Get(ctx, path)
}

func (r *RedisBackend) Get(ctx context.Context, path string) (Trail, error) {
	fields, err := r.client.HGetAll(ctx, r.trailKey(path)).Result()
	if err != nil {
		return Trail{}, fmt.Errorf("redis get %s: %w", path, err)
	}
	if len(fields) == 0 {
		return Trail{}, ErrTrailNotFound
	}
	return decodeTrail(path, fields), nil
}

func (r *RedisBackend) List(ctx context.Context) ([]Trail, error) {
	paths, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	sort.Strings(paths)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(paths))
	for i, p := range paths {
		cmds[i] = pipe.HGetAll(ctx, r.trailKey(p))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	out := make([]Trail, 0, len(paths))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeTrail(paths[i], fields))
	}
	return out, nil
}

func (r *RedisBackend) Evaporate(ctx context.Context, factor, floor float64, now time.Time, halfLife time.Duration) (int, error) {
	n, err := redisEvaporateScript.Run(ctx, r.client,
		[]string{r.indexKey()},
		r.trailPrefix(), unixSeconds(now), halfLife.Seconds(), factor, floor,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis evaporate: %w", err)
	}
	return n, nil
}

func (r *RedisBackend) Delete(ctx context.Context, path string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.trailKey(path))
	pipe.SRem(ctx, r.indexKey(), path)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %s: %w", path, err)
	}
	return nil
}

func (r *RedisBackend) Restore(ctx context.Context, trails []Trail) error {
	if len(trails) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, t := range trails {
		pipe.Del(ctx, r.trailKey(t.Path))
		pipe.HSet(ctx, r.trailKey(t.Path), encodeTrail(t))
		pipe.SAdd(ctx, r.indexKey(), t.Path)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis restore: %w", err)
	}
	return nil
}

func encodeTrail(t Trail) map[string]any {
	m := map[string]any{
		"path":          t.Path,
		"strength":      formatFloat(t.Strength),
		"strength_at":   formatFloat(unixSeconds(t.StrengthAt)),
		"created_at":    formatFloat(unixSeconds(t.CreatedAt)),
		"updated_at":    formatFloat(unixSeconds(t.UpdatedAt)),
		"success":       strconv.FormatUint(t.SuccessCount, 10),
		"failure":       strconv.FormatUint(t.FailureCount, 10),
		"avg_latency":   formatFloat(t.AvgLatency.Seconds()),
		"latency_count": strconv.FormatUint(t.LatencyCount, 10),
		"load":          formatFloat(t.CurrentLoad),
	}
	for k, v := range t.Signals {
		m["sig_"+k] = formatFloat(v)
	}
	return m
}

func decodeTrail(path string, f map[string]string) Trail {
	t := Trail{
		Path:         path,
		Strength:     parseFloat(f["strength"]),
		StrengthAt:   fromUnixSeconds(parseFloat(f["strength_at"])),
		CreatedAt:    fromUnixSeconds(parseFloat(f["created_at"])),
		UpdatedAt:    fromUnixSeconds(parseFloat(f["updated_at"])),
		SuccessCount: parseUint(f["success"]),
		FailureCount: parseUint(f["failure"]),
		AvgLatency:   time.Duration(parseFloat(f["avg_latency"]) * float64(time.Second)),
		LatencyCount: parseUint(f["latency_count"]),
		CurrentLoad:  parseFloat(f["load"]),
		Signals:      make(map[string]float64, 3),
	}
	for _, sig := range []string{SignalSuccess, SignalFailure, SignalReward} {
		if v, ok := f["sig_"+sig]; ok {
			t.Signals[sig] = parseFloat(v)
		}
	}
	return t
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

func fromUnixSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(math.Round(s * 1e6))).UTC()
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseUint(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}
