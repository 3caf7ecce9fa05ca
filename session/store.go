package session

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRedisUnavailable = errors.New("redis unavailable")

	// ErrSessionNotFound is returned when the family does not exist (revoked or lapsed).
	ErrSessionNotFound = errors.New("session not found")

	ErrSessionExpired = errors.New("session expired")

	// ErrRefreshReuse is returned when a stale refresh token id was presented.
	// The family has been deleted by the time the caller sees it.
	ErrRefreshReuse = errors.New("refresh token reuse detected")

	ErrSessionCorrupt = errors.New("session corrupt")
)

const (
	rotateStatusNotFound    int64 = 0
	rotateStatusExpired     int64 = 1
	rotateStatusMismatch    int64 = 2
	rotateStatusRotated     int64 = 3
	rotateStatusInvalidBlob int64 = 4
)

// Byte offsets (1-based, as Lua sees them) follow Encode.
const rotateRefreshScript = `
local function read_be64(s, i)
  local v = 0
  for j = i, i + 7 do
    v = v * 256 + string.byte(s, j)
  end
  return v
end

local session_key = KEYS[1]
local session_id = ARGV[1]
local user_prefix = ARGV[2]
local provided_hash = ARGV[3]
local next_hash = ARGV[4]
local now_ms = tonumber(ARGV[5])
local now_be = ARGV[6]
local next_token_key = ARGV[7]

local data = redis.call("GET", session_key)
if not data then
  return {0}
end

if #data < 58 or string.byte(data, 1) ~= 1 then
  return {4}
end

local expires_at = read_be64(data, 34)
local user_len = string.byte(data, 58)
if #data < 58 + user_len then
  return {4}
end
local user_key = user_prefix .. string.sub(data, 59, 58 + user_len)

local function drop()
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
end

if expires_at <= now_ms then
  drop()
  return {1}
end

if string.sub(data, 2, 33) ~= provided_hash then
  drop()
  return {2}
end

local ttl = redis.call("PTTL", session_key)
if ttl <= 0 then
  drop()
  return {1}
end

local updated = string.sub(data, 1, 1) .. next_hash .. string.sub(data, 34, 49) .. now_be .. string.sub(data, 58)
redis.call("SET", session_key, updated, "PX", ttl)
redis.call("SET", next_token_key, session_id, "PX", ttl)

return {3, updated}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

const deleteSessionScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
redis.call("DEL", KEYS[1])
if #data >= 58 then
  local user_len = string.byte(data, 58)
  redis.call("SREM", ARGV[2] .. string.sub(data, 59, 58 + user_len), ARGV[1])
end
return 1
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

const deleteAllForUserScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local removed = 0
for _, sid in ipairs(members) do
  if sid ~= ARGV[2] then
    removed = removed + redis.call("DEL", ARGV[1] .. sid)
    redis.call("SREM", KEYS[1], sid)
  end
end
return removed
`

var deleteAllForUserLua = redis.NewScript(deleteAllForUserScript)

// Raises the index TTL to ARGV[1] ms, never lowers it.
const extendIndexScript = `
local ttl = redis.call("PTTL", KEYS[1])
if ttl < tonumber(ARGV[1]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return 1
`

// Store is a Redis-backed store of refresh-token families.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store]; prefix namespaces every key.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ac"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *Store) sessionPrefix() string {
	return s.prefix + ":ses:"
}

func (s *Store) userPrefix() string {
	return s.prefix + ":sus:"
}

func (s *Store) key(sessionID string) string {
	return s.sessionPrefix() + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.userPrefix() + userID
}

func (s *Store) tokenKey(tokenHash [32]byte) string {
	return s.prefix + ":stk:" + hex.EncodeToString(tokenHash[:])
}

// Create persists a new family whose current token hash is sess.RefreshHash.
// The user index lives as long as the longest family it lists.
func (s *Store) Create(ctx context.Context, sess *Session, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("session ttl must be > 0")
	}
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.SessionID)
		pipe.Eval(ctx, extendIndexScript, []string{s.userKey(sess.UserID)}, ttl.Milliseconds())
		pipe.Set(ctx, s.tokenKey(sess.RefreshHash), sess.SessionID, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get returns the family record for sessionID.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, errors.Join(ErrSessionCorrupt, err)
	}
	sess.SessionID = sessionID
	return sess, nil
}

// Rotate atomically replaces the family's current token hash. A provided
// hash that is not current deletes the family and returns ErrRefreshReuse.
//
//	Performance: 1 Lua EVALSHA (atomic compare-and-swap).
func (s *Store) Rotate(
	ctx context.Context,
	sessionID string,
	providedHash [32]byte,
	nextHash [32]byte,
	now time.Time,
) (*Session, error) {
	nowMs := now.UnixMilli()
	nowBE := binary.BigEndian.AppendUint64(nil, uint64(nowMs))

	result, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		sessionID,
		s.userPrefix(),
		providedHash[:],
		nextHash[:],
		nowMs,
		nowBE,
		s.tokenKey(nextHash),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrSessionNotFound
	case rotateStatusExpired:
		return nil, ErrSessionExpired
	case rotateStatusMismatch:
		return nil, ErrRefreshReuse
	case rotateStatusInvalidBlob:
		return nil, ErrSessionCorrupt
	case rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing rotated session payload", ErrRedisUnavailable)
		}
		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid rotated session payload", ErrRedisUnavailable)
		}
		sess, decErr := Decode(blob)
		if decErr != nil {
			return nil, errors.Join(ErrSessionCorrupt, decErr)
		}
		sess.SessionID = sessionID
		return sess, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

// Delete removes the family. It reports whether a record existed; deleting a
// missing family is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	n, err := deleteSessionLua.Run(ctx, s.redis,
		[]string{s.key(sessionID)},
		sessionID,
		s.userPrefix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n == 1, nil
}

// LookupToken returns the family a refresh token id was issued to, whether or
// not that id is still current.
func (s *Store) LookupToken(ctx context.Context, tokenHash [32]byte) (string, error) {
	sid, err := s.redis.Get(ctx, s.tokenKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return sid, nil
}

// DeleteByToken revokes the family a token id belongs to. Unknown ids are a no-op.
func (s *Store) DeleteByToken(ctx context.Context, tokenHash [32]byte) (bool, error) {
	sid, err := s.LookupToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.Delete(ctx, sid)
}

// DeleteAllForUser removes every family of userID except exceptSessionID
// (which may be empty) and returns how many were removed.
func (s *Store) DeleteAllForUser(ctx context.Context, userID, exceptSessionID string) (int, error) {
	n, err := deleteAllForUserLua.Run(ctx, s.redis,
		[]string{s.userKey(userID)},
		s.sessionPrefix(),
		exceptSessionID,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(n), nil
}

// ListForUser returns the live families of userID. Index entries whose
// record is gone are pruned.
func (s *Store) ListForUser(ctx context.Context, userID string, now time.Time) ([]*Session, error) {
	userKey := s.userKey(userID)
	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, sid := range ids {
		cmds[i] = pipe.Get(ctx, s.key(sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]*Session, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				stale = append(stale, ids[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}
		sess, decErr := Decode(data)
		if decErr != nil || sess.Expired(now) {
			continue
		}
		sess.SessionID = ids[i]
		sessions = append(sessions, sess)
	}

	if len(stale) > 0 {
		_ = s.redis.SRem(ctx, userKey, stale...).Err()
	}
	return sessions, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
