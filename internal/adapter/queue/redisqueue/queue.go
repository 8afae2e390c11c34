package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// Queue implements domain.Queue atomically against a single-node Redis
// instance, using one Lua script per operation, grounded on the rate
// limiter's RedisLuaLimiter one-script-per-atomic-operation idiom.
type Queue struct {
	rdb *redis.Client

	globalCap  int
	userCap    int
	visibility time.Duration
	retry      domain.RetryPolicy

	scriptEnqueue        *redis.Script
	scriptReserveOne     *redis.Script
	scriptRenew          *redis.Script
	scriptAck            *redis.Script
	scriptNack           *redis.Script
	scriptRemove         *redis.Script
	scriptReclaimExpired *redis.Script
}

// New builds a Queue. globalCap and userCap are the admission predicate's G
// and U; visibility is the reservation lease duration V; retry governs the
// backoff schedule applied by Nack and ReclaimExpired.
func New(rdb *redis.Client, globalCap, userCap int, visibility time.Duration, retry domain.RetryPolicy) *Queue {
	return &Queue{
		rdb:        rdb,
		globalCap:  globalCap,
		userCap:    userCap,
		visibility: visibility,
		retry:      retry,

		scriptEnqueue:        redis.NewScript(luaEnqueue),
		scriptReserveOne:     redis.NewScript(luaReserveOne),
		scriptRenew:          redis.NewScript(luaRenew),
		scriptAck:            redis.NewScript(luaAck),
		scriptNack:           redis.NewScript(luaNack),
		scriptRemove:         redis.NewScript(luaRemove),
		scriptReclaimExpired: redis.NewScript(luaReclaimExpired),
	}
}

// luaEnqueue appends task_id to the user's ready list and registers the user
// in the rotation if not already present. Idempotent: a task_id already
// known (inflight or already queued) is a no-op.
const luaEnqueue = `
local ready_prefix = KEYS[1]
local item_prefix = KEYS[2]
local inflight_key = KEYS[3]
local users_list_key = KEYS[4]
local users_set_key = KEYS[5]

local user_id = ARGV[1]
local task_id = ARGV[2]
local now = ARGV[3]

local item_key = item_prefix .. task_id

if redis.call("HEXISTS", inflight_key, task_id) == 1 then
  return 0
end
if redis.call("EXISTS", item_key) == 1 then
  return 0
end

redis.call("HSET", item_key, "user_id", user_id, "not_before", "0", "retry_count", "0", "enqueued_at", now)
redis.call("RPUSH", ready_prefix .. user_id, task_id)

if redis.call("SADD", users_set_key, user_id) == 1 then
  redis.call("RPUSH", users_list_key, user_id)
end

return 1
`

// luaReserveOne attempts to reserve a single task for worker_id, honoring the
// global inflight cap, round-robin user rotation, per-user inflight cap, and
// each ready task's not_before. Returns {task_id, user_id, retry_count} or
// nil when nothing is currently reservable.
const luaReserveOne = `
local ready_prefix = KEYS[1]
local item_prefix = KEYS[2]
local inflight_key = KEYS[3]
local inflight_count_key = KEYS[4]
local users_list_key = KEYS[5]
local users_set_key = KEYS[6]

local worker_id = ARGV[1]
local now = tonumber(ARGV[2])
local deadline = ARGV[3]
local global_cap = tonumber(ARGV[4])
local user_cap = tonumber(ARGV[5])

if tonumber(redis.call("HLEN", inflight_key)) >= global_cap then
  return nil
end

local rotations = tonumber(redis.call("LLEN", users_list_key))
if rotations == nil or rotations == 0 then
  return nil
end

for _ = 1, rotations do
  local user_id = redis.call("LPOP", users_list_key)
  if user_id == false or user_id == nil then
    return nil
  end

  local ready_key = ready_prefix .. user_id
  local task_id = redis.call("LINDEX", ready_key, 0)

  if task_id == false or task_id == nil then
    redis.call("SREM", users_set_key, user_id)
  else
    local item_key = item_prefix .. task_id
    local not_before = tonumber(redis.call("HGET", item_key, "not_before") or "0")
    local user_inflight = tonumber(redis.call("HGET", inflight_count_key, user_id) or "0")

    if not_before > now or user_inflight >= user_cap then
      redis.call("RPUSH", users_list_key, user_id)
    else
      redis.call("LPOP", ready_key)
      local retry_count = redis.call("HGET", item_key, "retry_count") or "0"
      redis.call("DEL", item_key)

      local entry = cjson.encode({worker_id = worker_id, deadline = deadline, retry_count = tonumber(retry_count), user_id = user_id})
      redis.call("HSET", inflight_key, task_id, entry)
      redis.call("HINCRBY", inflight_count_key, user_id, 1)

      if tonumber(redis.call("LLEN", ready_key)) > 0 then
        redis.call("RPUSH", users_list_key, user_id)
      else
        redis.call("SREM", users_set_key, user_id)
      end

      return {task_id, user_id, retry_count}
    end
  end
end

return nil
`

// luaRenew extends the visibility deadline of an inflight reservation still
// owned by worker_id.
const luaRenew = `
local inflight_key = KEYS[1]
local task_id = ARGV[1]
local worker_id = ARGV[2]
local deadline = ARGV[3]

local raw = redis.call("HGET", inflight_key, task_id)
if raw == false or raw == nil then
  return 0
end
local entry = cjson.decode(raw)
if entry.worker_id ~= worker_id then
  return 0
end

entry.deadline = deadline
redis.call("HSET", inflight_key, task_id, cjson.encode(entry))
return 1
`

// luaAck removes a reservation still owned by worker_id and decrements the
// user's inflight counter.
const luaAck = `
local inflight_key = KEYS[1]
local inflight_count_key = KEYS[2]
local task_id = ARGV[1]
local worker_id = ARGV[2]

local raw = redis.call("HGET", inflight_key, task_id)
if raw == false or raw == nil then
  return 0
end
local entry = cjson.decode(raw)
if entry.worker_id ~= worker_id then
  return 0
end

redis.call("HDEL", inflight_key, task_id)
redis.call("HINCRBY", inflight_count_key, entry.user_id, -1)
return 1
`

// luaNack releases a reservation owned by worker_id. If retryable is 1 and
// the incremented retry_count is within max_retries, the task is re-enqueued
// with a not_before computed from base_delay/cap_delay; otherwise it returns
// 2 (removed, not requeued) for the caller to record terminal failure.
const luaNack = `
local ready_prefix = KEYS[1]
local item_prefix = KEYS[2]
local inflight_key = KEYS[3]
local inflight_count_key = KEYS[4]
local users_list_key = KEYS[5]
local users_set_key = KEYS[6]

local task_id = ARGV[1]
local worker_id = ARGV[2]
local retryable = ARGV[3] == "1"
local now = ARGV[4]
local max_retries = tonumber(ARGV[5])
local base_delay = tonumber(ARGV[6])
local cap_delay = tonumber(ARGV[7])

local raw = redis.call("HGET", inflight_key, task_id)
if raw == false or raw == nil then
  return 0
end
local entry = cjson.decode(raw)
if entry.worker_id ~= worker_id then
  return 0
end

redis.call("HDEL", inflight_key, task_id)
redis.call("HINCRBY", inflight_count_key, entry.user_id, -1)

local retry_count = entry.retry_count + 1
if not retryable or retry_count > max_retries then
  return 2
end

local delay = base_delay * math.pow(2, retry_count - 1)
if delay > cap_delay then
  delay = cap_delay
end
local not_before = tonumber(now) + delay

local item_key = item_prefix .. task_id
redis.call("HSET", item_key, "user_id", entry.user_id, "not_before", tostring(not_before), "retry_count", tostring(retry_count), "enqueued_at", now)
redis.call("RPUSH", ready_prefix .. entry.user_id, task_id)
if redis.call("SADD", users_set_key, entry.user_id) == 1 then
  redis.call("RPUSH", users_list_key, entry.user_id)
end

return 1
`

// luaRemove unconditionally drops task_id from inflight or ready state.
const luaRemove = `
local item_prefix = KEYS[1]
local inflight_key = KEYS[2]
local inflight_count_key = KEYS[3]
local ready_prefix = KEYS[4]

local task_id = ARGV[1]

local raw = redis.call("HGET", inflight_key, task_id)
if raw ~= false and raw ~= nil then
  local entry = cjson.decode(raw)
  redis.call("HDEL", inflight_key, task_id)
  redis.call("HINCRBY", inflight_count_key, entry.user_id, -1)
  return 1
end

local item_key = item_prefix .. task_id
local user_id = redis.call("HGET", item_key, "user_id")
if user_id ~= false and user_id ~= nil then
  redis.call("LREM", ready_prefix .. user_id, 0, task_id)
  redis.call("DEL", item_key)
  return 1
end

return 0
`

// luaReclaimExpired scans the inflight hash for entries whose deadline has
// passed, releases them, and either requeues with backoff (Requeued=1) or
// leaves them removed (Requeued=0) when the retry cap is already exhausted.
const luaReclaimExpired = `
local ready_prefix = KEYS[1]
local item_prefix = KEYS[2]
local inflight_key = KEYS[3]
local inflight_count_key = KEYS[4]
local users_list_key = KEYS[5]
local users_set_key = KEYS[6]

local now = tonumber(ARGV[1])
local max_retries = tonumber(ARGV[2])
local base_delay = tonumber(ARGV[3])
local cap_delay = tonumber(ARGV[4])

local all = redis.call("HGETALL", inflight_key)
local results = {}

for i = 1, #all, 2 do
  local task_id = all[i]
  local entry = cjson.decode(all[i + 1])
  local deadline = tonumber(entry.deadline)

  if deadline < now then
    redis.call("HDEL", inflight_key, task_id)
    redis.call("HINCRBY", inflight_count_key, entry.user_id, -1)

    local retry_count = entry.retry_count + 1
    if retry_count > max_retries then
      table.insert(results, {task_id, entry.user_id, 0})
    else
      local delay = base_delay * math.pow(2, retry_count - 1)
      if delay > cap_delay then
        delay = cap_delay
      end
      local not_before = now + delay

      local item_key = item_prefix .. task_id
      redis.call("HSET", item_key, "user_id", entry.user_id, "not_before", tostring(not_before), "retry_count", tostring(retry_count), "enqueued_at", tostring(now))
      redis.call("RPUSH", ready_prefix .. entry.user_id, task_id)
      if redis.call("SADD", users_set_key, entry.user_id) == 1 then
        redis.call("RPUSH", users_list_key, entry.user_id)
      end

      table.insert(results, {task_id, entry.user_id, 1})
    end
  end
end

return results
`

func (q *Queue) Enqueue(ctx context.Context, userID, taskID string) error {
	keys := []string{readyKeyPrefix, itemKeyPrefix, keyInflight, keyUsersReadyList, keyUsersReadySet}
	now := time.Now().Unix()
	_, err := q.scriptEnqueue.Run(ctx, q.rdb, keys, userID, taskID, now).Result()
	if err != nil {
		return fmt.Errorf("op=redisqueue.Enqueue: %w", err)
	}
	if depth, lerr := q.rdb.LLen(ctx, readyKeyPrefix+userID).Result(); lerr == nil {
		observability.RecordQueueDepth(userID, int(depth))
	}
	return nil
}

func (q *Queue) Reserve(ctx context.Context, workerID string, max int) ([]domain.Reservation, error) {
	keys := []string{readyKeyPrefix, itemKeyPrefix, keyInflight, keyInflightCount, keyUsersReadyList, keyUsersReadySet}
	now := time.Now()
	deadline := now.Add(q.visibility).Unix()

	out := make([]domain.Reservation, 0, max)
	for i := 0; i < max; i++ {
		res, err := q.scriptReserveOne.Run(ctx, q.rdb, keys, workerID, now.Unix(), deadline, q.globalCap, q.userCap).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("op=redisqueue.Reserve: %w", err)
		}
		if res == nil {
			break
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) < 3 {
			break
		}
		out = append(out, domain.Reservation{
			TaskID:     toString(vals[0]),
			UserID:     toString(vals[1]),
			RetryCount: toInt(vals[2]),
		})
	}
	return out, nil
}

func (q *Queue) Renew(ctx context.Context, taskID, workerID string) error {
	deadline := time.Now().Add(q.visibility).Unix()
	res, err := q.scriptRenew.Run(ctx, q.rdb, []string{keyInflight}, taskID, workerID, deadline).Result()
	if err != nil {
		return fmt.Errorf("op=redisqueue.Renew: %w", err)
	}
	if toInt(res) == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, taskID, workerID string) error {
	keys := []string{keyInflight, keyInflightCount}
	res, err := q.scriptAck.Run(ctx, q.rdb, keys, taskID, workerID).Result()
	if err != nil {
		return fmt.Errorf("op=redisqueue.Ack: %w", err)
	}
	if toInt(res) == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, taskID, workerID string, retryable bool) error {
	keys := []string{readyKeyPrefix, itemKeyPrefix, keyInflight, keyInflightCount, keyUsersReadyList, keyUsersReadySet}
	retryableArg := "0"
	if retryable {
		retryableArg = "1"
	}
	now := time.Now().Unix()
	res, err := q.scriptNack.Run(ctx, q.rdb, keys, taskID, workerID, retryableArg, now,
		q.retry.MaxRetries, int64(q.retry.BaseDelay/time.Second), int64(q.retry.CapDelay/time.Second)).Result()
	if err != nil {
		return fmt.Errorf("op=redisqueue.Nack: %w", err)
	}
	if toInt(res) == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Remove(ctx context.Context, taskID string) error {
	keys := []string{itemKeyPrefix, keyInflight, keyInflightCount, readyKeyPrefix}
	_, err := q.scriptRemove.Run(ctx, q.rdb, keys, taskID).Result()
	if err != nil {
		return fmt.Errorf("op=redisqueue.Remove: %w", err)
	}
	return nil
}

func (q *Queue) ReclaimExpired(ctx context.Context) ([]domain.ReclaimResult, error) {
	keys := []string{readyKeyPrefix, itemKeyPrefix, keyInflight, keyInflightCount, keyUsersReadyList, keyUsersReadySet}
	now := time.Now().Unix()
	res, err := q.scriptReclaimExpired.Run(ctx, q.rdb, keys, now,
		q.retry.MaxRetries, int64(q.retry.BaseDelay/time.Second), int64(q.retry.CapDelay/time.Second)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisqueue.ReclaimExpired: %w", err)
	}

	rows, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]domain.ReclaimResult, 0, len(rows))
	for _, row := range rows {
		vals, ok := row.([]interface{})
		if !ok || len(vals) < 3 {
			continue
		}
		out = append(out, domain.ReclaimResult{
			TaskID:   toString(vals[0]),
			UserID:   toString(vals[1]),
			Requeued: toInt(vals[2]) == 1,
		})
	}
	return out, nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case string:
		var n int
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}
