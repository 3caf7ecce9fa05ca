package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the token signature algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

// Token types carried in the "typ" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	// ErrExpired is returned when the token signature is valid but exp has passed.
	ErrExpired = errors.New("token expired")
	// ErrMalformed covers bad encoding, bad signature, wrong algorithm, wrong type and missing claims.
	ErrMalformed = errors.New("token malformed")
)

// Config defines signing keys, lifetimes and validation options.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
	Now           func() time.Time
}

// Manager signs and parses tokens. It is immutable after NewManager.
type Manager struct {
	config Config
}

// Claims is the payload of both access and refresh tokens. Role is only set
// on access tokens.
type Claims struct {
	Type      string `json:"typ"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Issued describes a freshly signed token.
type Issued struct {
	Token     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// NewManager validates cfg. Ed25519 managers may be verify-only when no
// private key is configured.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	return &Manager{config: cfg}, nil
}

// CreateAccess signs an access token for subject with a point-in-time role.
func (j *Manager) CreateAccess(subject, role, sessionID string) (Issued, error) {
	return j.create(TypeAccess, subject, role, sessionID, j.config.AccessTTL)
}

// CreateRefresh signs a refresh token bound to the session family sessionID.
func (j *Manager) CreateRefresh(subject, sessionID string) (Issued, error) {
	return j.create(TypeRefresh, subject, "", sessionID, j.config.RefreshTTL)
}

// CreateRefreshWithID signs a refresh token with a caller-chosen token id.
// Rotation reserves the id in the session store before signing.
func (j *Manager) CreateRefreshWithID(subject, sessionID, tokenID string) (Issued, error) {
	return j.createWithID(TypeRefresh, subject, "", sessionID, tokenID, j.config.RefreshTTL, time.Time{})
}

// CreateRefreshUntil is CreateRefreshWithID with exp capped at notAfter, the
// absolute end of the session family.
func (j *Manager) CreateRefreshUntil(subject, sessionID, tokenID string, notAfter time.Time) (Issued, error) {
	return j.createWithID(TypeRefresh, subject, "", sessionID, tokenID, j.config.RefreshTTL, notAfter)
}

func (j *Manager) create(typ, subject, role, sessionID string, ttl time.Duration) (Issued, error) {
	return j.createWithID(typ, subject, role, sessionID, uuid.NewString(), ttl, time.Time{})
}

func (j *Manager) createWithID(typ, subject, role, sessionID, tokenID string, ttl time.Duration, notAfter time.Time) (Issued, error) {
	if subject == "" || sessionID == "" || tokenID == "" {
		return Issued{}, errors.New("subject, session id and token id are required")
	}

	// Second precision keeps iat/exp identical to what parsers see.
	now := j.config.Now().Truncate(time.Second)
	exp := now.Add(ttl)
	if !notAfter.IsZero() {
		if limit := notAfter.Truncate(time.Second); limit.Before(exp) {
			exp = limit
		}
	}
	claims := Claims{
		Type:      typ,
		Role:      role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    j.config.Issuer,
		},
	}
	if j.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.config.Audience}
	}

	token := jwt.NewWithClaims(j.method(), claims)
	if j.config.KeyID != "" {
		token.Header["kid"] = j.config.KeyID
	}

	signKey, err := j.signKey()
	if err != nil {
		return Issued{}, err
	}
	signed, err := token.SignedString(signKey)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		Token:     signed,
		ID:        tokenID,
		IssuedAt:  now,
		ExpiresAt: exp,
	}, nil
}

// Parse verifies tokenStr and requires the "typ" claim to equal expectedType.
func (j *Manager) Parse(tokenStr, expectedType string) (*Claims, error) {
	claims, err := j.parse(tokenStr, true)
	if err != nil {
		return nil, err
	}
	if claims.Type != expectedType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrMalformed, claims.Type)
	}
	return claims, nil
}

// ParseIgnoringExpiry verifies the signature and type but accepts expired
// tokens. Logout uses it so an expired refresh token can still end its family.
func (j *Manager) ParseIgnoringExpiry(tokenStr, expectedType string) (*Claims, error) {
	claims, err := j.parse(tokenStr, false)
	if err != nil {
		return nil, err
	}
	if claims.Type != expectedType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrMalformed, claims.Type)
	}
	return claims, nil
}

func (j *Manager) parse(tokenStr string, validateClaims bool) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.method().Alg()}),
		jwt.WithTimeFunc(j.config.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if !validateClaims {
		options = append(options, jwt.WithoutClaimsValidation())
	}
	if j.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(j.config.Leeway))
	}
	if j.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(j.config.Issuer))
	}
	if j.config.Audience != "" {
		options = append(options, jwt.WithAudience(j.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, j.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformed
	}
	if claims.Subject == "" || claims.ID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing required claims", ErrMalformed)
	}
	return claims, nil
}

func (j *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != j.method().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	kid, _ := t.Header["kid"].(string)
	if len(j.config.VerifyKeys) > 0 {
		key, ok := j.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return j.verifyKeyFromBytes(key)
	}
	if j.config.KeyID != "" && kid != j.config.KeyID {
		return nil, errors.New("unknown kid")
	}

	return j.verifyKeyFromBytes(j.verifyBytes())
}

func (j *Manager) method() jwt.SigningMethod {
	if j.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (j *Manager) signKey() (interface{}, error) {
	if j.config.SigningMethod == MethodHS256 {
		return j.config.PrivateKey, nil
	}
	if len(j.config.PrivateKey) == 0 {
		return nil, errors.New("manager is verify-only")
	}
	return parseEdPrivateKey(j.config.PrivateKey)
}

func (j *Manager) verifyBytes() []byte {
	if j.config.SigningMethod == MethodHS256 {
		return j.config.PrivateKey
	}
	return j.config.PublicKey
}

func (j *Manager) verifyKeyFromBytes(key []byte) (interface{}, error) {
	if j.config.SigningMethod == MethodHS256 {
		return key, nil
	}
	return parseEdPublicKey(key)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
