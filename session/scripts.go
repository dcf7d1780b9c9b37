package session

import "github.com/redis/go-redis/v9"

const (
	statusNotFound int64 = 0
	statusExpired  int64 = 1
	statusReused   int64 = 2
	statusRotated  int64 = 3
	statusRevoked  int64 = 4
)

// Timestamps and TTLs are passed pre-formatted from Go and written back
// verbatim; Lua only compares numbers, it never formats them.

// Rotation and rebind re-add the session to its identity index and keep
// the index alive at least as long as the session row.
const extendIndexLua = `
local function extendIndex(idx, sid, ttl)
  redis.call("SADD", idx, sid)
  local pttl = redis.call("PTTL", idx)
  if pttl < tonumber(ttl) then
    redis.call("PEXPIRE", idx, ttl)
  end
end
`

// KEYS[1] session key
// ARGV: provided hash, next hash, now, idle ms, remember ms,
// retention ms, idle+retention ms, remember+retention ms, index key prefix,
// session id
// The index key depends on the stored uid, so it is derived in the script.
// Reuse replies {2, uid}.
const rotateRefreshScript = extendIndexLua + `
local key = KEYS[1]
local f = redis.call("HMGET", key, "uid", "rh", "ls", "rm", "ra")
local uid, rh, ls, rm, ra = f[1], f[2], tonumber(f[3]), f[4], f[5]
if not uid or not ls then
  return {0}
end
if ra and ra ~= "" then
  return {4}
end

local now = tonumber(ARGV[3])
local horizon = tonumber(ARGV[4])
local ttl = ARGV[7]
if rm == "1" then
  horizon = tonumber(ARGV[5])
  ttl = ARGV[8]
end
if now >= ls + horizon then
  return {1}
end

local idx = ARGV[9] .. uid
if rh ~= ARGV[1] then
  redis.call("HSET", key, "ra", ARGV[3])
  redis.call("PEXPIRE", key, ARGV[6])
  redis.call("SREM", idx, ARGV[10])
  return {2, uid}
end

redis.call("HSET", key, "rh", ARGV[2], "ls", ARGV[3])
redis.call("PEXPIRE", key, ttl)
extendIndex(idx, ARGV[10], ttl)
return {3, redis.call("HGETALL", key)}
`

// KEYS[1] session key, KEYS[2] index key
// ARGV: owner uid, next hash, tenant, role, now, idle ms, remember ms,
// idle+retention ms, remember+retention ms, session id
const rebindScript = extendIndexLua + `
local key = KEYS[1]
local f = redis.call("HMGET", key, "uid", "ls", "rm", "ra")
if not f[1] or f[1] ~= ARGV[1] then
  return {0}
end
if f[4] and f[4] ~= "" then
  return {4}
end
local ls = tonumber(f[2])
if not ls then
  return {0}
end

local now = tonumber(ARGV[5])
local horizon = tonumber(ARGV[6])
local ttl = ARGV[8]
if f[3] == "1" then
  horizon = tonumber(ARGV[7])
  ttl = ARGV[9]
end
if now >= ls + horizon then
  return {1}
end

redis.call("HSET", key, "tid", ARGV[3], "role", ARGV[4], "rh", ARGV[2], "ls", ARGV[5])
redis.call("PEXPIRE", key, ttl)
extendIndex(KEYS[2], ARGV[10], ttl)
return {3, redis.call("HGETALL", key)}
`

// KEYS[1] session key, KEYS[2] index key
// ARGV: owner uid, now, retention ms, session id
// Returns 0 not found, 1 revoked now, 2 already revoked.
const revokeScript = `
local uid = redis.call("HGET", KEYS[1], "uid")
if not uid then
  redis.call("SREM", KEYS[2], ARGV[4])
  return 0
end
if uid ~= ARGV[1] then
  return 0
end
redis.call("SREM", KEYS[2], ARGV[4])
local ra = redis.call("HGET", KEYS[1], "ra")
if ra and ra ~= "" then
  return 2
end
redis.call("HSET", KEYS[1], "ra", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`

// KEYS[1] index key
// ARGV: session key prefix, except session id, now, retention ms
const revokeAllScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, sid in ipairs(ids) do
  if sid ~= ARGV[2] then
    local key = ARGV[1] .. sid
    if redis.call("EXISTS", key) == 1 then
      local ra = redis.call("HGET", key, "ra")
      if not ra or ra == "" then
        redis.call("HSET", key, "ra", ARGV[3])
        redis.call("PEXPIRE", key, ARGV[4])
        n = n + 1
      end
    end
    redis.call("SREM", KEYS[1], sid)
  end
end
return n
`

// KEYS[1] session key; ARGV: role
const setRoleScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "role", ARGV[1])
return 1
`

var (
	rotateRefreshLua = redis.NewScript(rotateRefreshScript)
	rebindLua        = redis.NewScript(rebindScript)
	revokeLua        = redis.NewScript(revokeScript)
	revokeAllLua     = redis.NewScript(revokeAllScript)
	setRoleLua       = redis.NewScript(setRoleScript)
)
