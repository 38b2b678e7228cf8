package redisq

// Lua scripts keep every broker state change atomic: a task is always in
// exactly one of pending / in-flight / delayed / dead-letter.

// enqueueScript: KEYS[1]=task hash, KEYS[2]=pending list;
// ARGV[1]=payload JSON, ARGV[2]=class, ARGV[3]=eval id.
// Returns {created(0|1), class depth}.
const enqueueScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return {0, redis.call("LLEN", KEYS[2])}
end
redis.call("HSET", KEYS[1], "payload", ARGV[1], "class", ARGV[2], "retries", 0)
local depth = redis.call("LPUSH", KEYS[2], ARGV[3])
return {1, depth}
`

// leaseScript: KEYS[1]=pending list, KEYS[2]=inflight zset;
// ARGV[1]=visibility deadline (unix ms), ARGV[2]=lease token,
// ARGV[3]=task key prefix.
// Returns false when the class is empty, otherwise {id, payload, retries}.
const leaseScript = `
local id = redis.call("RPOP", KEYS[1])
if not id then
  return false
end
local key = ARGV[3] .. id
if redis.call("EXISTS", key) == 0 then
  return {id, false, 0}
end
redis.call("HSET", key, "token", ARGV[2], "deadline", ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[1], id)
local payload = redis.call("HGET", key, "payload")
local retries = redis.call("HGET", key, "retries")
return {id, payload, retries}
`

// ackScript: KEYS[1]=task hash, KEYS[2]=inflight zset;
// ARGV[1]=lease token, ARGV[2]=eval id.
// Returns 1 on success, 0 when the token no longer holds the lease.
const ackScript = `
if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
return 1
`

// extendScript: KEYS[1]=task hash, KEYS[2]=inflight zset;
// ARGV[1]=lease token, ARGV[2]=eval id, ARGV[3]=new deadline (unix ms).
const extendScript = `
if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "deadline", ARGV[3])
redis.call("ZADD", KEYS[2], "XX", ARGV[3], ARGV[2])
return 1
`

// nackScript: KEYS[1]=task hash, KEYS[2]=inflight zset, KEYS[3]=delayed zset,
// KEYS[4]=dead-letter list;
// ARGV[1]=lease token, ARGV[2]=eval id, ARGV[3]=retryable(0|1),
// ARGV[4]=max retries, ARGV[5]=ready-at (unix ms).
// Returns -1 token mismatch, -2 dead-lettered, otherwise new retry count.
const nackScript = `
if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return -1
end
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("HDEL", KEYS[1], "token", "deadline")
local retries = tonumber(redis.call("HINCRBY", KEYS[1], "retries", 1))
if ARGV[3] == "0" or retries > tonumber(ARGV[4]) then
  local payload = redis.call("HGET", KEYS[1], "payload")
  if payload then
    redis.call("RPUSH", KEYS[4], payload)
  end
  redis.call("DEL", KEYS[1])
  return -2
end
redis.call("ZADD", KEYS[3], ARGV[5], ARGV[2])
return retries
`

// revokeScript: KEYS[1]=task hash, KEYS[2]=pending list, KEYS[3]=delayed zset;
// ARGV[1]=eval id. Best effort: a leased task is left alone.
const revokeScript = `
if redis.call("HGET", KEYS[1], "token") then
  return 0
end
local removed = redis.call("LREM", KEYS[2], 0, ARGV[1])
removed = removed + redis.call("ZREM", KEYS[3], ARGV[1])
if removed > 0 then
  redis.call("DEL", KEYS[1])
end
return removed
`

// requeueExpiredScript: KEYS[1]=task hash, KEYS[2]=inflight zset,
// KEYS[3]=pending list, KEYS[4]=dead-letter list;
// ARGV[1]=eval id, ARGV[2]=max retries.
// Redelivery after visibility expiry counts as a retry attempt.
// Returns 0 no-op, 1 requeued, -2 dead-lettered.
const requeueExpiredScript = `
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
  return 0
end
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HDEL", KEYS[1], "token", "deadline")
local retries = tonumber(redis.call("HINCRBY", KEYS[1], "retries", 1))
if retries > tonumber(ARGV[2]) then
  local payload = redis.call("HGET", KEYS[1], "payload")
  if payload then
    redis.call("RPUSH", KEYS[4], payload)
  end
  redis.call("DEL", KEYS[1])
  return -2
end
redis.call("LPUSH", KEYS[3], ARGV[1])
return 1
`

// promoteDelayedScript: KEYS[1]=task hash, KEYS[2]=delayed zset,
// KEYS[3]=pending list; ARGV[1]=eval id.
const promoteDelayedScript = `
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
  return 0
end
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("LPUSH", KEYS[3], ARGV[1])
return 1
`
