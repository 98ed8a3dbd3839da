package redisstore

const (
	luaAppendEvents = `
		-- Atomically append events with a stream head check and assign each
		-- a global sequence
		-- KEYS[1] = aggregate stream list
		-- KEYS[2] = global sequence counter
		-- KEYS[3] = global log sorted set
		-- KEYS[4] = aggregate type log sorted set
		-- ARGV[1] = expected stream head (current list length)
		-- ARGV[2..N] = event data (JSON)
		-- Returns: {1, firstSequence} on success, or {0, currentLength}

		local currentLen = redis.call('LLEN', KEYS[1])
		local expected = tonumber(ARGV[1])

		if expected ~= currentLen then
			return {0, currentLen}
		end

		local first = 0
		for i = 2, #ARGV do
			local seq = redis.call('INCR', KEYS[2])
			if first == 0 then
				first = seq
			end
			local entry = tostring(seq) .. ':' .. ARGV[i]
			redis.call('RPUSH', KEYS[1], entry)
			redis.call('ZADD', KEYS[3], seq, entry)
			redis.call('ZADD', KEYS[4], seq, entry)
		end

		return {1, first}
		`

	luaSaveSnapshot = `
		-- Replace any snapshot stored at the same version
		-- KEYS[1] = snapshot sorted set
		-- ARGV[1] = snapshot version
		-- ARGV[2] = snapshot data (JSON)

		redis.call('ZREMRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1])
		redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
		return 1
		`

	luaSaveMetadata = `
		-- Store projection metadata unless it would lower the offset
		-- KEYS[1] = projection metadata hash
		-- ARGV[1] = projection ID
		-- ARGV[2] = new event offset
		-- ARGV[3] = metadata (JSON)
		-- Returns: 1 if written, 0 if the stored offset is higher

		local stored = redis.call('HGET', KEYS[1], ARGV[1])
		if stored then
			local md = cjson.decode(stored)
			if tonumber(md.event_offset) > tonumber(ARGV[2]) then
				return 0
			end
		end

		redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
		return 1
		`
)
