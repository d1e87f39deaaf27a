package valkey

// Lua scripts for the operations that must be atomic. Each returns an array
// whose first element is a status string; successful reads append the
// HGETALL of the affected hash.
//
// Timestamps are unix milliseconds, "0" meaning unset. Booleans are "0"/"1".

// luaSaveArtifact stores a state or code hash if its client exists.
// KEYS[1] client key, KEYS[2] artifact key. ARGV[1] ttl ms, ARGV[2..] field/value pairs.
const luaSaveArtifact = `
if redis.call('EXISTS', KEYS[1]) == 0 then return {'client_not_found'} end
if redis.call('EXISTS', KEYS[2]) == 1 then return {'exists'} end
redis.call('HSET', KEYS[2], unpack(ARGV, 2))
local ttl = tonumber(ARGV[1])
if ttl > 0 then redis.call('PEXPIRE', KEYS[2], ttl) end
return {'ok'}
`

// luaConsumeState marks a state used if it is unused, unexpired and owned by the caller.
// KEYS[1] state key. ARGV[1] client_id, ARGV[2] now.
const luaConsumeState = `
if redis.call('EXISTS', KEYS[1]) == 0 then return {'not_found'} end
local f = redis.call('HMGET', KEYS[1], 'used', 'expires_at', 'client_id')
if f[1] == '1' then return {'used'} end
local exp = tonumber(f[2])
if exp ~= 0 and exp <= tonumber(ARGV[2]) then return {'expired'} end
if f[3] ~= ARGV[1] then return {'client_mismatch'} end
redis.call('HSET', KEYS[1], 'used', '1')
local out = redis.call('HGETALL', KEYS[1])
table.insert(out, 1, 'ok')
return out
`

// luaConsumeCode marks a code used if every binding matches.
// KEYS[1] code key. ARGV[1] client_id, ARGV[2] redirect_uri, ARGV[3] code_challenge, ARGV[4] now.
const luaConsumeCode = `
if redis.call('EXISTS', KEYS[1]) == 0 then return {'not_found'} end
local f = redis.call('HMGET', KEYS[1], 'used', 'expires_at', 'client_id', 'redirect_uri', 'code_challenge')
local status = 'ok'
local exp = tonumber(f[2])
if f[1] == '1' then status = 'used'
elseif exp ~= 0 and exp <= tonumber(ARGV[4]) then status = 'expired'
elseif f[3] ~= ARGV[1] then status = 'client_mismatch'
elseif f[4] ~= ARGV[2] then status = 'redirect_mismatch'
elseif f[5] ~= ARGV[3] then status = 'pkce_mismatch'
end
if status ~= 'ok' and status ~= 'used' then return {status} end
if status == 'ok' then redis.call('HSET', KEYS[1], 'used', '1') end
local out = redis.call('HGETALL', KEYS[1])
table.insert(out, 1, status)
return out
`

// luaAddToFamily is shared by the refresh token scripts. It records hash in
// the family set and keeps the set alive at least as long as its members.
const luaAddToFamily = `
local function add_to_family(famkey, hash, ttl)
  local existed = redis.call('EXISTS', famkey) == 1
  redis.call('SADD', famkey, hash)
  if ttl == 0 then
    redis.call('PERSIST', famkey)
  elseif not existed then
    redis.call('PEXPIRE', famkey, ttl)
  else
    local cur = redis.call('PTTL', famkey)
    if cur >= 0 and cur < ttl then redis.call('PEXPIRE', famkey, ttl) end
  end
end
`

// luaSaveRefresh stores a new refresh token.
// KEYS[1] token key, KEYS[2] family key. ARGV[1] ttl ms, ARGV[2] hash, ARGV[3..] field/value pairs.
const luaSaveRefresh = luaAddToFamily + `
if redis.call('EXISTS', KEYS[1]) == 1 then return {'exists'} end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
local ttl = tonumber(ARGV[1])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
add_to_family(KEYS[2], ARGV[2], ttl)
return {'ok'}
`

// luaRotateRefresh revokes the old token and stores its successor.
// KEYS[1] old key, KEYS[2] new key, KEYS[3] family key.
// ARGV[1] client_id, ARGV[2] now, ARGV[3] new ttl ms, ARGV[4] new hash, ARGV[5..] new field/value pairs.
const luaRotateRefresh = luaAddToFamily + `
if redis.call('EXISTS', KEYS[1]) == 0 then return {'not_found'} end
local f = redis.call('HMGET', KEYS[1], 'revoked', 'expires_at', 'client_id')
if f[1] == '1' then
  local out = redis.call('HGETALL', KEYS[1])
  table.insert(out, 1, 'revoked')
  return out
end
local exp = tonumber(f[2])
if exp ~= 0 and exp <= tonumber(ARGV[2]) then return {'expired'} end
if f[3] ~= ARGV[1] then return {'client_mismatch'} end
if redis.call('EXISTS', KEYS[2]) == 1 then return {'exists'} end
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[2])
redis.call('HSET', KEYS[2], unpack(ARGV, 5))
local ttl = tonumber(ARGV[3])
if ttl > 0 then redis.call('PEXPIRE', KEYS[2], ttl) end
add_to_family(KEYS[3], ARGV[4], ttl)
local out = redis.call('HGETALL', KEYS[1])
table.insert(out, 1, 'ok')
return out
`

// luaRevokeRefresh revokes one token.
// KEYS[1] token key. ARGV[1] now.
const luaRevokeRefresh = `
if redis.call('EXISTS', KEYS[1]) == 0 then return {'not_found'} end
if redis.call('HGET', KEYS[1], 'revoked') ~= '1' then
  redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1])
end
return {'ok'}
`

// luaRevokeFamily revokes every live member of a family.
// KEYS[1] family key. ARGV[1] refresh key prefix, ARGV[2] now.
const luaRevokeFamily = `
local members = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, hash in ipairs(members) do
  local key = ARGV[1] .. hash
  if redis.call('EXISTS', key) == 1 and redis.call('HGET', key, 'revoked') ~= '1' then
    redis.call('HSET', key, 'revoked', '1', 'revoked_at', ARGV[2])
    n = n + 1
  end
end
return {tostring(n)}
`

// luaSaveSigningKey stores key material once, optionally marking it active.
// KEYS[1] key, KEYS[2] active marker. ARGV[1] active flag, then field/value pairs.
const luaSaveSigningKey = `
if redis.call('EXISTS', KEYS[1]) == 1 then return {'exists'} end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
if ARGV[1] == '1' then
  redis.call('SET', KEYS[2], redis.call('HGET', KEYS[1], 'kid'))
end
return {'ok'}
`

// luaSetActiveSigningKey points the active marker at an existing key.
// KEYS[1] key, KEYS[2] active marker. ARGV[1] kid.
const luaSetActiveSigningKey = `
if redis.call('EXISTS', KEYS[1]) == 0 then return {'not_found'} end
redis.call('SET', KEYS[2], ARGV[1])
return {'ok'}
`
