package velocity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// observeScript reads every window as of ARGV[1], then optionally records
// the event, in one atomic step. Members are "<id>|<amount>" scored by ms.
// Members carrying the event id are left out of the stats, and an id that
// is already present is not recorded again.
//
// KEYS[1]  entity zset
// ARGV[1]  event time (ms)
// ARGV[2]  member
// ARGV[3]  longest window (ms), older members are trimmed
// ARGV[4]  key ttl (ms)
// ARGV[5]  "1" to record the event
// ARGV[6]  event id, "" when the event has none
// ARGV[7:] window lengths (ms)
var observeScript = redis.NewScript(`
local ts = tonumber(ARGV[1])
local prefix = ARGV[6] .. '|'
local function own(m)
	return ARGV[6] ~= '' and string.sub(m, 1, #prefix) == prefix
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. (ts - tonumber(ARGV[3])))
local out = {}
for i = 7, #ARGV do
	local members = redis.call('ZRANGEBYSCORE', KEYS[1], ts - tonumber(ARGV[i]), ts)
	local count = 0
	local sum = 0
	for _, m in ipairs(members) do
		if not own(m) then
			local sep = string.find(m, '|', 1, true)
			if sep then
				sum = sum + (tonumber(string.sub(m, sep + 1)) or 0)
			end
			count = count + 1
		end
	end
	table.insert(out, count)
	table.insert(out, string.format('%.17g', sum))
end
if ARGV[5] == '1' then
	local seen = false
	if ARGV[6] ~= '' then
		for _, m in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
			if own(m) then
				seen = true
				break
			end
		end
	end
	if not seen then
		redis.call('ZADD', KEYS[1], ts, ARGV[2])
	end
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return out
`)

// RedisStore keeps each entity's events in a sorted set so all nodes share
// the counters. Reads and the append run inside one Lua script.
type RedisStore struct {
	client  *redis.Client
	windows []time.Duration
	longest time.Duration
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client, windows []time.Duration) *RedisStore {
	ws := normalizeWindows(windows)
	return &RedisStore{
		client:  client,
		windows: ws,
		longest: ws[len(ws)-1],
	}
}

// Observe returns every window's stats as of ts, excluding the new event,
// then appends it.
func (s *RedisStore) Observe(ctx context.Context, tenantID, entityID, eventID string, amount float64, ts time.Time) ([]domain.WindowStat, error) {
	return s.run(ctx, tenantID, entityID, eventID, amount, ts, true, s.windows)
}

// Record appends an event unless eventID is already recorded.
func (s *RedisStore) Record(ctx context.Context, tenantID, entityID, eventID string, amount float64, ts time.Time) error {
	_, err := s.run(ctx, tenantID, entityID, eventID, amount, ts, true, nil)
	return err
}

// WindowCount returns the number of events in [asOf-window, asOf].
func (s *RedisStore) WindowCount(ctx context.Context, tenantID, entityID string, window time.Duration, asOf time.Time) (int64, error) {
	key, err := redisEntityKey(tenantID, entityID)
	if err != nil {
		return 0, err
	}
	lo, hi := scoreRange(window, asOf)
	return s.client.ZCount(ctx, key, lo, hi).Result()
}

// WindowSum returns the summed amount of events in [asOf-window, asOf].
func (s *RedisStore) WindowSum(ctx context.Context, tenantID, entityID string, window time.Duration, asOf time.Time) (float64, error) {
	key, err := redisEntityKey(tenantID, entityID)
	if err != nil {
		return 0, err
	}
	lo, hi := scoreRange(window, asOf)
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, m := range members {
		sum += memberAmount(m)
	}
	return sum, nil
}

// Windows returns the configured window lengths, shortest first.
func (s *RedisStore) Windows() []time.Duration {
	out := make([]time.Duration, len(s.windows))
	copy(out, s.windows)
	return out
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) run(ctx context.Context, tenantID, entityID, eventID string, amount float64, ts time.Time, record bool, windows []time.Duration) ([]domain.WindowStat, error) {
	key, err := redisEntityKey(tenantID, entityID)
	if err != nil {
		return nil, err
	}

	recordFlag := "0"
	if record {
		recordFlag = "1"
	}
	// '|' separates the amount.
	eventID = strings.ReplaceAll(eventID, "|", "_")
	memberID := eventID
	if memberID == "" {
		memberID = uuid.NewString()
	}
	args := []interface{}{
		ts.UnixMilli(),
		memberID + "|" + strconv.FormatFloat(amount, 'f', -1, 64),
		s.longest.Milliseconds(),
		(s.longest + time.Minute).Milliseconds(),
		recordFlag,
		eventID,
	}
	for _, w := range windows {
		args = append(args, w.Milliseconds())
	}

	raw, err := observeScript.Run(ctx, s.client, []string{key}, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("velocity script: %w", err)
	}
	if len(raw) != 2*len(windows) {
		return nil, fmt.Errorf("velocity script: expected %d values, got %d", 2*len(windows), len(raw))
	}

	stats := make([]domain.WindowStat, len(windows))
	for i, w := range windows {
		count, _ := raw[2*i].(int64)
		sumStr, _ := raw[2*i+1].(string)
		sum, _ := strconv.ParseFloat(sumStr, 64)
		stats[i] = domain.WindowStat{Window: w, Count: count, Sum: sum}
	}
	return stats, nil
}

func redisEntityKey(tenantID, entityID string) (string, error) {
	key, err := entityKey(tenantID, entityID)
	if err != nil {
		return "", err
	}
	return cache.KeyPrefix + "velocity:" + key, nil
}

func scoreRange(window time.Duration, asOf time.Time) (string, string) {
	hi := asOf.UnixMilli()
	return strconv.FormatInt(hi-window.Milliseconds(), 10), strconv.FormatInt(hi, 10)
}

func memberAmount(m string) float64 {
	_, amt, ok := strings.Cut(m, "|")
	if !ok {
		return 0
	}
	v, _ := strconv.ParseFloat(amt, 64)
	return v
}
