package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeRecordVersion1 = 1

	// version(1) method(1) purpose(1) remaining(2) expiresAt(8) codeHash(32) userLen(2)
	challengeHeaderLen = 47
)

// Method identifies the second factor a challenge expects.
type Method uint8

const (
	MethodEmail Method = 1
	MethodTOTP  Method = 2
)

// Purpose separates login challenges from test sends.
type Purpose uint8

const (
	PurposeLogin Purpose = 1
	PurposeTest  Purpose = 2
)

var (
	ErrChallengeNotFound         = errors.New("two-factor challenge not found")
	ErrChallengeExpired          = errors.New("two-factor challenge expired")
	ErrChallengeInvalid          = errors.New("two-factor code invalid")
	ErrChallengeAttemptsExceeded = errors.New("two-factor challenge attempts exceeded")
	ErrChallengeBackend          = errors.New("two-factor challenge backend unavailable")
)

// Challenge is a pending second-factor check. For email challenges CodeHash
// holds the hash of the delivered code; TOTP challenges leave it zero.
type Challenge struct {
	UserID    string
	Method    Method
	Purpose   Purpose
	Remaining uint16
	ExpiresAt int64 // unix milliseconds
	CodeHash  [32]byte
}

// Expired reports whether the challenge is past its deadline at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.UnixMilli() > c.ExpiresAt
}

// ChallengeRetention keeps a lapsed record readable after its deadline so a
// late verify reports expiry instead of an unknown ref.
const ChallengeRetention = 5 * time.Minute

// issueChallengeLua replaces any live challenge for the same account and
// purpose with a new one.
// KEYS[1] = index key
// KEYS[2] = challenge key
// ARGV[1] = encoded record
// ARGV[2] = record ttl milliseconds (code ttl plus retention)
// ARGV[3] = challenge ref
// ARGV[4] = challenge key prefix
// ARGV[5] = index ttl milliseconds
var issueChallengeLua = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if old and old ~= ARGV[3] then
  redis.call('DEL', ARGV[4] .. old)
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[5])
return 1
`)

// attemptChallengeLua performs one guarded step against a challenge.
// KEYS[1] = challenge key
// ARGV[1] = mode: "hash" compares ARGV[5]; "fail" spends an attempt; "take" consumes
// ARGV[2] = now unix milliseconds
// ARGV[3] = expected method
// ARGV[4] = expected purpose
// ARGV[5] = provided code hash (mode "hash")
// ARGV[6] = challenge ref
// ARGV[7] = index key prefix
//
// Returns the record bytes on success, or an error string:
// "not_found", "expired", "attempts_exceeded", "invalid".
var attemptChallengeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

if string.len(data) < 47 or string.byte(data, 1) ~= 1 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local method = string.byte(data, 2)
local purpose = string.byte(data, 3)
if method ~= tonumber(ARGV[3]) or purpose ~= tonumber(ARGV[4]) then
  return {err='not_found'}
end

local remaining = string.byte(data, 4) * 256 + string.byte(data, 5)

local expiresAt = 0
for i = 6, 13 do
  expiresAt = expiresAt * 256 + string.byte(data, i)
end

local userLen = string.byte(data, 46) * 256 + string.byte(data, 47)
local userID = string.sub(data, 48, 47 + userLen)
local indexKey = ARGV[7] .. purpose .. ':' .. userID

local function drop()
  redis.call('DEL', KEYS[1])
  if redis.call('GET', indexKey) == ARGV[6] then
    redis.call('DEL', indexKey)
  end
end

if tonumber(ARGV[2]) > expiresAt then
  drop()
  return {err='expired'}
end

if remaining == 0 then
  return {err='attempts_exceeded'}
end

local mode = ARGV[1]
if mode == 'take' then
  drop()
  return data
end

if mode == 'hash' and string.sub(data, 14, 45) == ARGV[5] then
  drop()
  return data
end

remaining = remaining - 1
local ttlMs = redis.call('PTTL', KEYS[1])
if ttlMs <= 0 then
  drop()
  return {err='expired'}
end
local updated = string.sub(data, 1, 3) .. string.char(math.floor(remaining / 256), remaining % 256) .. string.sub(data, 6)
redis.call('SET', KEYS[1], updated, 'PX', ttlMs)
if remaining == 0 then
  return {err='attempts_exceeded'}
end
return {err='invalid'}
`)

// invalidateChallengeLua deletes the live challenge for an account/purpose.
// KEYS[1] = index key
// ARGV[1] = challenge key prefix
var invalidateChallengeLua = redis.NewScript(`
local ref = redis.call('GET', KEYS[1])
if not ref then
  return 0
end
redis.call('DEL', ARGV[1] .. ref)
redis.call('DEL', KEYS[1])
return 1
`)

// ChallengeStore persists two-factor challenges keyed by opaque reference.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewChallengeStore(redisClient redis.UniversalClient, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = "ac"
	}
	return &ChallengeStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *ChallengeStore) challengePrefix() string {
	return s.prefix + ":tfc:"
}

func (s *ChallengeStore) indexPrefix() string {
	return s.prefix + ":tfa:"
}

func (s *ChallengeStore) key(ref string) string {
	return s.challengePrefix() + ref
}

func (s *ChallengeStore) indexKey(purpose Purpose, userID string) string {
	return s.indexPrefix() + strconv.Itoa(int(purpose)) + ":" + userID
}

// Issue stores record under ref and invalidates any previous challenge for
// the same account and purpose. The record outlives ttl by
// ChallengeRetention; its ExpiresAt decides expiry.
func (s *ChallengeStore) Issue(ctx context.Context, ref string, record *Challenge, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("challenge ttl must be > 0")
	}
	encoded, err := encodeChallenge(record)
	if err != nil {
		return err
	}

	err = issueChallengeLua.Run(ctx, s.redis,
		[]string{s.indexKey(record.Purpose, record.UserID), s.key(ref)},
		encoded,
		(ttl + ChallengeRetention).Milliseconds(),
		ref,
		s.challengePrefix(),
		ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// Verify checks codeHash against an email challenge. A match consumes the
// challenge; a mismatch spends one attempt.
func (s *ChallengeStore) Verify(
	ctx context.Context,
	ref string,
	purpose Purpose,
	codeHash [32]byte,
	now time.Time,
) (*Challenge, error) {
	record, err := s.attempt(ctx, "hash", ref, MethodEmail, purpose, string(codeHash[:]), now)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(record.CodeHash[:], codeHash[:]) != 1 {
		return nil, ErrChallengeInvalid
	}
	return record, nil
}

// RecordFailure spends one attempt on a challenge verified out of band.
// It returns ErrChallengeInvalid while attempts remain and
// ErrChallengeAttemptsExceeded once they are exhausted.
func (s *ChallengeStore) RecordFailure(
	ctx context.Context,
	ref string,
	method Method,
	purpose Purpose,
	now time.Time,
) error {
	_, err := s.attempt(ctx, "fail", ref, method, purpose, "", now)
	return err
}

// Take consumes a challenge verified out of band.
func (s *ChallengeStore) Take(
	ctx context.Context,
	ref string,
	method Method,
	purpose Purpose,
	now time.Time,
) (*Challenge, error) {
	return s.attempt(ctx, "take", ref, method, purpose, "", now)
}

// Peek returns a live challenge without spending an attempt. A zero method
// matches any.
func (s *ChallengeStore) Peek(
	ctx context.Context,
	ref string,
	method Method,
	purpose Purpose,
	now time.Time,
) (*Challenge, error) {
	data, err := s.redis.Get(ctx, s.key(ref)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	record, err := decodeChallenge(data)
	if err != nil {
		return nil, ErrChallengeNotFound
	}
	if (method != 0 && record.Method != method) || record.Purpose != purpose {
		return nil, ErrChallengeNotFound
	}
	if record.Expired(now) {
		return nil, ErrChallengeExpired
	}
	if record.Remaining == 0 {
		return nil, ErrChallengeAttemptsExceeded
	}
	return record, nil
}

// Invalidate removes the live challenge for userID and purpose, if any.
func (s *ChallengeStore) Invalidate(ctx context.Context, userID string, purpose Purpose) error {
	err := invalidateChallengeLua.Run(ctx, s.redis,
		[]string{s.indexKey(purpose, userID)},
		s.challengePrefix(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

func (s *ChallengeStore) attempt(
	ctx context.Context,
	mode, ref string,
	method Method,
	purpose Purpose,
	providedHash string,
	now time.Time,
) (*Challenge, error) {
	result, err := attemptChallengeLua.Run(ctx, s.redis,
		[]string{s.key(ref)},
		mode,
		now.UnixMilli(),
		int(method),
		int(purpose),
		providedHash,
		ref,
		s.indexPrefix(),
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found":
			return nil, ErrChallengeNotFound
		case "expired":
			return nil, ErrChallengeExpired
		case "attempts_exceeded":
			return nil, ErrChallengeAttemptsExceeded
		case "invalid":
			return nil, ErrChallengeInvalid
		default:
			return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
	}

	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrChallengeBackend)
	}
	record, err := decodeChallenge([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return record, nil
}

func encodeChallenge(record *Challenge) ([]byte, error) {
	if record == nil {
		return nil, errors.New("nil challenge")
	}
	if len(record.UserID) == 0 || len(record.UserID) > 65535 {
		return nil, errors.New("challenge user id length invalid")
	}

	var buf bytes.Buffer
	buf.Grow(challengeHeaderLen + len(record.UserID))
	buf.WriteByte(challengeRecordVersion1)
	buf.WriteByte(byte(record.Method))
	buf.WriteByte(byte(record.Purpose))

	if err := binary.Write(&buf, binary.BigEndian, record.Remaining); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(record.CodeHash[:])
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)

	return buf.Bytes(), nil
}

func decodeChallenge(data []byte) (*Challenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersion1 {
		return nil, errors.New("invalid challenge record version")
	}

	record := &Challenge{}
	method, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	purpose, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record.Method = Method(method)
	record.Purpose = Purpose(purpose)

	if err := binary.Read(reader, binary.BigEndian, &record.Remaining); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	var userLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userLen); err != nil {
		return nil, err
	}
	user := make([]byte, userLen)
	if _, err := io.ReadFull(reader, user); err != nil {
		return nil, err
	}
	record.UserID = string(user)

	return record, nil
}
