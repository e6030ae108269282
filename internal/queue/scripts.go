package queue

import "github.com/redis/go-redis/v9"

// finishScript settles a claimed task in one step so a crash can never leave
// it both released and unscheduled. A task deleted while claimed is released
// but neither rewritten nor rescheduled.
//
// KEYS: claim, claims index, processing list, task body, delayed set
// ARGV: worker (empty skips the owner check), task id, task json, ttl ms,
// due-at ms, schedule flag
var finishScript = redis.NewScript(`
if ARGV[1] ~= '' and redis.call('HGET', KEYS[1], 'worker') ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('LREM', KEYS[3], 0, ARGV[2])
if redis.call('EXISTS', KEYS[4]) == 0 then
	return 1
end
redis.call('SET', KEYS[4], ARGV[3], 'PX', ARGV[4])
if ARGV[6] == '1' then
	redis.call('ZADD', KEYS[5], ARGV[5], ARGV[2])
end
return 1
`)

// revokeScript drops a claim only if it still belongs to the given worker.
//
// KEYS: claim, claims index, processing list
// ARGV: worker, task id
var revokeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'worker') ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('LREM', KEYS[3], 0, ARGV[2])
return 1
`)

// orphanScript pulls one task out of a dead worker's processing list. Only
// the caller whose LREM removed the id gets to settle it.
//
// KEYS: processing list, claim, claims index
// ARGV: task id
var orphanScript = redis.NewScript(`
local n = redis.call('LREM', KEYS[1], 0, ARGV[1])
if n == 0 then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
return n
`)

// unclaimScript takes back a task whose claim could not be recorded and
// schedules it again.
//
// KEYS: processing list, claim, claims index, delayed set
// ARGV: task id, due-at ms
var unclaimScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
return 1
`)

// requeueScript returns a task from a stopping worker's processing list to
// the front of its ready list.
//
// KEYS: processing list, claim, claims index, ready list, task body
// ARGV: task id, task json (empty keeps the body), ttl ms
var requeueScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
if ARGV[2] ~= '' and redis.call('EXISTS', KEYS[5]) == 1 then
	redis.call('SET', KEYS[5], ARGV[2], 'PX', ARGV[3])
end
redis.call('LPUSH', KEYS[4], ARGV[1])
return 1
`)

// KEYS: delayed set, ready list
// ARGV: now ms, batch limit
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)
