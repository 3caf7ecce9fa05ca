package password

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// AlgorithmBcrypt selects bcrypt for new hashes.
	AlgorithmBcrypt = "bcrypt"
	// AlgorithmArgon2id selects argon2id for new hashes.
	AlgorithmArgon2id = "argon2id"
)

var (
	// ErrUnsupportedHash is returned when a stored hash matches no known scheme.
	ErrUnsupportedHash = errors.New("unsupported password hash")
	// ErrPasswordTooShort is returned by Hash for passwords under MinLength bytes.
	ErrPasswordTooShort = errors.New("password too short")
	// ErrPasswordTooLong is returned by Hash for passwords bcrypt cannot represent.
	ErrPasswordTooLong = errors.New("password too long")
)

// Config selects the scheme for new hashes and its cost parameters.
type Config struct {
	Algorithm  string
	MinLength  int
	BcryptCost int
	Argon2     Argon2Params
}

// DefaultConfig returns bcrypt at cost 12 with argon2id parameters ready for
// accounts that already carry PHC hashes.
func DefaultConfig() Config {
	return Config{
		Algorithm:  AlgorithmBcrypt,
		MinLength:  8,
		BcryptCost: 12,
		Argon2: Argon2Params{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
	}
}

// Hasher hashes with the configured scheme and verifies any supported scheme.
// It is safe for concurrent use.
type Hasher struct {
	config Config
	argon  *Argon2
	dummy  string
}

// New validates cfg and precomputes the decoy hash used by [Hasher.VerifyDummy].
func New(cfg Config) (*Hasher, error) {
	if cfg.MinLength <= 0 {
		cfg.MinLength = 1
	}
	switch cfg.Algorithm {
	case AlgorithmBcrypt:
		if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
			return nil, errors.New("password bcrypt cost out of range")
		}
	case AlgorithmArgon2id:
	default:
		return nil, errors.New("unsupported password algorithm")
	}

	argon, err := NewArgon2(cfg.Argon2)
	if err != nil {
		return nil, err
	}

	h := &Hasher{config: cfg, argon: argon}
	h.dummy, err = h.hash("authcore-timing-decoy")
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Hash encodes password with the configured scheme.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) < h.config.MinLength {
		return "", ErrPasswordTooShort
	}
	return h.hash(password)
}

func (h *Hasher) hash(password string) (string, error) {
	if h.config.Algorithm == AlgorithmArgon2id {
		return h.argon.Hash(password)
	}
	if len(password) > 72 {
		return "", ErrPasswordTooLong
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.config.BcryptCost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Verify reports whether password matches encoded. A malformed or unknown
// encoding returns an error, never a match.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	switch {
	case isBcrypt(encoded):
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, err
	case strings.HasPrefix(encoded, "$"+argon2ID+"$"):
		return h.argon.Verify(password, encoded)
	default:
		return false, ErrUnsupportedHash
	}
}

// VerifyDummy burns the same work as a real verification against a decoy
// hash. Callers use it when the account does not exist.
func (h *Hasher) VerifyDummy(password string) {
	_, _ = h.Verify(password, h.dummy)
}

// NeedsRehash reports whether encoded was produced by another scheme or with
// weaker parameters than the current configuration.
func (h *Hasher) NeedsRehash(encoded string) bool {
	switch {
	case isBcrypt(encoded):
		if h.config.Algorithm != AlgorithmBcrypt {
			return true
		}
		cost, err := bcrypt.Cost([]byte(encoded))
		return err != nil || cost < h.config.BcryptCost
	case strings.HasPrefix(encoded, "$"+argon2ID+"$"):
		if h.config.Algorithm != AlgorithmArgon2id {
			return true
		}
		weaker, err := h.argon.NeedsUpgrade(encoded)
		return err != nil || weaker
	default:
		return true
	}
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}
