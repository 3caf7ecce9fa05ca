package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/role"
)

// Authorize validates accessToken and evaluates one predicate: the caller
// must own the resource or be an admin when ownerID is set, and must hold
// requiredRole otherwise. It performs no I/O, so a revoked family's access
// tokens stay valid until they expire.
func (e *Engine) Authorize(ctx context.Context, accessToken string, requiredRole role.Role, ownerID string) (*AuthResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.Observe(MetricAuthorizeLatency, time.Since(start))
		}
	}()

	claims, err := e.jwtManager.Parse(accessToken, jwt.TypeAccess)
	if err != nil {
		e.metricInc(MetricAuthorizeDenied)
		if errors.Is(err, jwt.ErrExpired) {
			return nil, errors.Join(ErrUnauthenticated, ErrTokenExpired)
		}
		return nil, ErrUnauthenticated
	}
	actual, err := role.Parse(claims.Role)
	if err != nil {
		e.metricInc(MetricAuthorizeDenied)
		return nil, ErrUnauthenticated
	}

	var allowed bool
	if ownerID != "" {
		allowed = role.IsSelfOrAdmin(claims.Subject, ownerID, actual)
	} else {
		allowed = role.HasRole(actual, requiredRole)
	}
	if !allowed {
		e.metricInc(MetricAuthorizeDenied)
		return nil, ErrInsufficientRole
	}

	e.metricInc(MetricAuthorizeSuccess)
	result := &AuthResult{
		UserID:    claims.Subject,
		Role:      actual,
		SessionID: claims.SessionID,
		TokenID:   claims.ID,
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}
