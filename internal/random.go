package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const opaqueIDSize = 16

// NewOpaqueID returns 128 random bits as unpadded base64url. Used for
// session family ids and two-factor challenge references.
func NewOpaqueID() (string, error) {
	var raw [opaqueIDSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// ValidOpaqueID reports whether id has the shape produced by NewOpaqueID.
func ValidOpaqueID(id string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	return err == nil && len(raw) == opaqueIDSize
}

// HashString returns the SHA-256 digest of s.
func HashString(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

// HashCode binds a one-time code to its challenge reference so equal codes
// in different challenges never share a digest.
func HashCode(challengeRef, code string) [32]byte {
	h := sha256.New()
	_, _ = h.Write([]byte(challengeRef))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(code))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewOTP returns a uniformly random numeric code of the given length.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

// IsNumeric reports whether s is non-empty and only ASCII digits.
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
