package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/contentharvest/harvester/internal/harvest"
)

// TokenManager keeps credentials fresh. Reads hit the cache; renewal
// is single-flight so concurrent callers never trigger duplicate
// refreshes against the auth backend.
type TokenManager struct {
	cache   harvest.TokenCache
	renewer harvest.TokenRenewer
	margin  time.Duration
	clock   harvest.Clock
	logger  *zap.Logger
	group   singleflight.Group
}

// NewTokenManager constructs a TokenManager. margin is the safety
// window before expiry within which a token is treated as stale.
func NewTokenManager(
	cache harvest.TokenCache,
	renewer harvest.TokenRenewer,
	margin time.Duration,
	clock harvest.Clock,
	logger *zap.Logger,
) *TokenManager {
	if margin <= 0 {
		margin = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenManager{
		cache:   cache,
		renewer: renewer,
		margin:  margin,
		clock:   clock,
		logger:  logger,
	}
}

// Fresh returns a token valid for at least the safety margin, renewing
// it when the cached one is missing or about to expire.
func (m *TokenManager) Fresh(ctx context.Context, ownerID int64) (harvest.Token, error) {
	token, ok, err := m.cache.Get(ctx, ownerID)
	if err != nil {
		m.logger.Warn("token cache read failed", zap.Int64("owner_id", ownerID), zap.Error(err))
	} else if ok && token.FreshFor(m.clock.Now(), m.margin) {
		return token, nil
	}
	return m.renew(ctx, ownerID)
}

// ForceRenew bypasses the cache, used after the API rejects a token
// that still looked fresh.
func (m *TokenManager) ForceRenew(ctx context.Context, ownerID int64) (harvest.Token, error) {
	return m.renew(ctx, ownerID)
}

func (m *TokenManager) renew(ctx context.Context, ownerID int64) (harvest.Token, error) {
	v, err, _ := m.group.Do(strconv.FormatInt(ownerID, 10), func() (any, error) {
		token, err := m.renewer.Renew(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("renew token for owner %d: %w", ownerID, err)
		}
		if !token.FreshFor(m.clock.Now(), 0) {
			return nil, fmt.Errorf("renewer returned expired token for owner %d", ownerID)
		}
		if err := m.cache.Set(ctx, token); err != nil {
			m.logger.Warn("token cache write failed", zap.Int64("owner_id", ownerID), zap.Error(err))
		}
		return token, nil
	})
	if err != nil {
		return harvest.Token{}, err
	}
	token, ok := v.(harvest.Token)
	if !ok {
		return harvest.Token{}, errors.New("unexpected token type from renewal")
	}
	return token, nil
}

// StaticRenewer issues a configured long-lived token. Used when the
// deployment carries a service credential instead of an auth backend.
type StaticRenewer struct {
	value string
	ttl   time.Duration
	clock harvest.Clock
}

// NewStaticRenewer constructs a StaticRenewer.
func NewStaticRenewer(value string, ttl time.Duration, clock harvest.Clock) *StaticRenewer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StaticRenewer{value: value, ttl: ttl, clock: clock}
}

// Renew implements harvest.TokenRenewer.
func (r *StaticRenewer) Renew(_ context.Context, ownerID int64) (harvest.Token, error) {
	if r.value == "" {
		return harvest.Token{}, errors.New("no access token configured")
	}
	return harvest.Token{
		Value:     r.value,
		OwnerID:   ownerID,
		ExpiresAt: r.clock.Now().Add(r.ttl),
	}, nil
}
