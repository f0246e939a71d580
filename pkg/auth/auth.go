// Package auth issues and rotates API keys, authenticates raw keys, and
// mints and validates HS256-signed access and refresh tokens. The service is
// stateless beyond its configuration; all records live in the injected
// stores.
package auth

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cassandranet/cassnet/pkg/errdefs"
	"github.com/cassandranet/cassnet/pkg/events"
	"github.com/cassandranet/cassnet/pkg/log"
	"github.com/cassandranet/cassnet/pkg/metrics"
	"github.com/cassandranet/cassnet/pkg/scope"
	"github.com/cassandranet/cassnet/pkg/storage"
	"github.com/cassandranet/cassnet/pkg/types"
)

const (
	// DefaultTokenTTL applies when neither the caller nor the tenant set one.
	DefaultTokenTTL = 60 * time.Minute
	// DefaultRefreshTokenTTL applies unless the tenant overrides it. An
	// explicit tenant override of zero disables refresh tokens.
	DefaultRefreshTokenTTL = 12 * time.Hour
	// DefaultIssuer is stamped into every token.
	DefaultIssuer = "cassantranet"
)

// Service implements API-key and token authentication for the platform.
type Service struct {
	tenants           storage.TenantStore
	apiKeys           storage.APIKeyStore
	secret            []byte
	defaultTTL        time.Duration
	defaultRefreshTTL time.Duration
	issuer            string
	defaultAudience   *string
	broker            *events.Broker
	now               func() time.Time
	logger            zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides the default access token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.defaultTTL = ttl }
}

// WithRefreshTTL overrides the default refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) { s.defaultRefreshTTL = ttl }
}

// WithIssuer overrides the token issuer.
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

// WithDefaultAudience sets an audience stamped into tokens and required back
// during validation.
func WithDefaultAudience(audience string) Option {
	return func(s *Service) { s.defaultAudience = &audience }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEventBroker attaches a broker; key lifecycle events are published to it.
func WithEventBroker(broker *events.Broker) Option {
	return func(s *Service) { s.broker = broker }
}

// NewService creates an auth service over the given stores and signing
// secret.
func NewService(tenants storage.TenantStore, apiKeys storage.APIKeyStore, secret []byte, opts ...Option) *Service {
	s := &Service{
		tenants:           tenants,
		apiKeys:           apiKeys,
		secret:            secret,
		defaultTTL:        DefaultTokenTTL,
		defaultRefreshTTL: DefaultRefreshTokenTTL,
		issuer:            DefaultIssuer,
		now:               time.Now,
		logger:            log.WithComponent("auth"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueApiKey mints a new API key for the tenant. The returned Value is the
// only time the plaintext secret exists outside the process.
func (s *Service) IssueApiKey(tenantID uuid.UUID, label string, scopes []scope.Scope) (*types.ApiKey, error) {
	if err := validateScopes(scopes); err != nil {
		return nil, err
	}
	return s.createApiKey(tenantID, label, scopes, nil)
}

// RotateApiKey replaces an active key with a new one carrying the same label
// and scopes. The prior record is revoked, soft-deleted, and linked to its
// successor.
func (s *Service) RotateApiKey(id uuid.UUID) (*types.ApiKey, error) {
	existing, err := s.apiKeys.GetApiKey(id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errdefs.NotFound("api_key")
	}
	if !existing.Active() {
		return nil, errdefs.InvalidInput("api key inactive")
	}

	newKey, err := s.createApiKey(existing.TenantID, existing.Label, existing.Scopes, &existing.ID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	existing.Revoked = true
	existing.DeletedAt = &now
	existing.RotatedTo = &newKey.ID
	if err := s.apiKeys.UpdateApiKey(*existing); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("old_key_id", id.String()).
		Str("new_key_id", newKey.ID.String()).
		Msg("API key rotated")
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			ID:      uuid.New().String(),
			Type:    events.EventApiKeyRotated,
			Message: existing.Label,
			Metadata: map[string]string{
				"old_key_id": id.String(),
				"new_key_id": newKey.ID.String(),
				"tenant_id":  existing.TenantID.String(),
			},
		})
	}
	return newKey, nil
}

// SoftDeleteApiKey revokes a key and stamps its deletion time.
func (s *Service) SoftDeleteApiKey(id uuid.UUID) error {
	record, err := s.apiKeys.GetApiKey(id)
	if err != nil {
		return err
	}
	if record == nil {
		return errdefs.NotFound("api_key")
	}
	now := s.now().UTC()
	record.DeletedAt = &now
	record.Revoked = true
	return s.apiKeys.UpdateApiKey(*record)
}

// RevokeApiKey marks a key revoked without deleting it.
func (s *Service) RevokeApiKey(id uuid.UUID) error {
	record, err := s.apiKeys.GetApiKey(id)
	if err != nil {
		return err
	}
	if record == nil {
		return errdefs.NotFound("api_key")
	}
	record.Revoked = true
	return s.apiKeys.UpdateApiKey(*record)
}

// AuthenticateApiKey resolves a raw "<prefix>.<secret>" key to an
// AuthContext. Unknown prefixes and hash mismatches fail Unauthorized;
// revoked or deleted keys fail Forbidden.
func (s *Service) AuthenticateApiKey(token string) (*types.AuthContext, error) {
	prefix, secret, err := parseApiKey(token)
	if err != nil {
		return nil, err
	}
	record, err := s.apiKeys.GetApiKeyByPrefix(prefix)
	if err != nil {
		return nil, err
	}
	if record == nil {
		metrics.AuthFailures.Inc()
		return nil, errdefs.Unauthorized()
	}
	if !record.Active() {
		metrics.AuthFailures.Inc()
		return nil, errdefs.Forbidden()
	}
	if !constantTimeEqual(record.TokenHash, hashSecret(secret)) {
		metrics.AuthFailures.Inc()
		return nil, errdefs.Unauthorized()
	}

	issuedAt := s.now().UTC()
	ttl, err := s.resolveAccessTTL(record.TenantID, nil)
	if err != nil {
		return nil, err
	}
	record.LastUsedAt = &issuedAt
	if err := s.apiKeys.UpdateApiKey(*record); err != nil {
		return nil, err
	}

	issuer := s.issuer
	return &types.AuthContext{
		PrincipalID:   record.ID,
		PrincipalType: types.PrincipalServiceAccount,
		TenantID:      record.TenantID,
		Scopes:        record.Scopes,
		IssuedAt:      issuedAt,
		ExpiresAt:     issuedAt.Add(ttl),
		Audience:      s.defaultAudience,
		Issuer:        &issuer,
	}, nil
}

// IssueTokenFromContext stamps fresh issued/expiry times onto the context and
// signs it as an access token, plus a refresh token unless the tenant
// disabled refresh.
func (s *Service) IssueTokenFromContext(ctx types.AuthContext, ttl *time.Duration) (*types.AuthToken, error) {
	accessTTL, err := s.resolveAccessTTL(ctx.TenantID, ttl)
	if err != nil {
		return nil, err
	}
	ctx.IssuedAt = s.now().UTC()
	ctx.ExpiresAt = ctx.IssuedAt.Add(accessTTL)
	if ctx.Audience == nil {
		ctx.Audience = s.defaultAudience
	}
	issuer := s.issuer
	ctx.Issuer = &issuer

	nonce := uuid.New().String()
	token, err := signJWT(claimsFromContext(ctx, tokenUseAccess, nonce), s.secret)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.issueRefreshToken(ctx)
	if err != nil {
		return nil, err
	}
	metrics.TokensIssued.WithLabelValues(tokenUseAccess).Inc()

	return &types.AuthToken{
		Token:        token,
		Context:      ctx,
		RefreshToken: refreshToken,
	}, nil
}

// IssueTokenForApiKey authenticates a raw API key and exchanges it for a
// signed token pair.
func (s *Service) IssueTokenForApiKey(token string, ttl *time.Duration) (*types.AuthToken, error) {
	ctx, err := s.AuthenticateApiKey(token)
	if err != nil {
		return nil, err
	}
	return s.IssueTokenFromContext(*ctx, ttl)
}

// RefreshAccessToken verifies a refresh token and mints a fresh token pair
// for the same principal.
func (s *Service) RefreshAccessToken(refreshToken string) (*types.AuthToken, error) {
	claims, err := verifyJWT(refreshToken, s.secret)
	if err != nil {
		return nil, err
	}
	if err := s.ensureClaimsValid(claims, tokenUseRefresh); err != nil {
		return nil, err
	}
	return s.IssueTokenFromContext(claims.toContext(), nil)
}

// ValidateToken verifies an access token's signature, use, expiry, issuer,
// and audience, returning the embedded context.
func (s *Service) ValidateToken(token string) (*types.AuthContext, error) {
	claims, err := verifyJWT(token, s.secret)
	if err != nil {
		return nil, err
	}
	if err := s.ensureClaimsValid(claims, tokenUseAccess); err != nil {
		return nil, err
	}
	ctx := claims.toContext()
	return &ctx, nil
}

// ListKeys returns every API key record for the tenant, including revoked
// and soft-deleted ones.
func (s *Service) ListKeys(tenantID uuid.UUID) ([]types.ApiKeyRecord, error) {
	return s.apiKeys.ListApiKeys(tenantID)
}

func (s *Service) createApiKey(tenantID uuid.UUID, label string, scopes []scope.Scope, rotationParent *uuid.UUID) (*types.ApiKey, error) {
	var secretBytes [32]byte
	if _, err := rand.Read(secretBytes[:]); err != nil {
		return nil, errdefs.Wrap("generate key secret", err)
	}
	secretB64 := b64.EncodeToString(secretBytes[:])

	id := uuid.New()
	tokenPrefix := id.String()[:8]
	now := s.now().UTC()

	record := types.ApiKeyRecord{
		ID:          id,
		TenantID:    tenantID,
		Label:       label,
		Scopes:      scopes,
		TokenPrefix: tokenPrefix,
		TokenHash:   hashSecret(secretB64),
		CreatedAt:   now,
		RotatedFrom: rotationParent,
	}
	if err := s.apiKeys.InsertApiKey(record); err != nil {
		return nil, err
	}
	metrics.ApiKeysIssued.Inc()

	s.logger.Debug().
		Str("key_id", id.String()).
		Str("tenant_id", tenantID.String()).
		Str("label", label).
		Msg("API key issued")

	return &types.ApiKey{
		ID:             id,
		Value:          tokenPrefix + "." + secretB64,
		TenantID:       tenantID,
		Label:          label,
		Scopes:         scopes,
		CreatedAt:      now,
		RotationParent: rotationParent,
	}, nil
}

func (s *Service) issueRefreshToken(ctx types.AuthContext) (*string, error) {
	refreshTTL, err := s.resolveRefreshTTL(ctx.TenantID)
	if err != nil {
		return nil, err
	}
	if refreshTTL <= 0 {
		return nil, nil
	}
	ctx.ExpiresAt = ctx.IssuedAt.Add(refreshTTL)
	nonce := uuid.New().String()
	token, err := signJWT(claimsFromContext(ctx, tokenUseRefresh, nonce), s.secret)
	if err != nil {
		return nil, err
	}
	metrics.TokensIssued.WithLabelValues(tokenUseRefresh).Inc()
	return &token, nil
}

// resolveAccessTTL applies override, then the tenant setting, then the
// service default.
func (s *Service) resolveAccessTTL(tenantID uuid.UUID, override *time.Duration) (time.Duration, error) {
	if override != nil {
		return *override, nil
	}
	settings, err := s.tenantSettings(tenantID)
	if err != nil {
		return 0, err
	}
	if settings != nil && settings.TokenTTLSeconds != nil && *settings.TokenTTLSeconds > 0 {
		return time.Duration(*settings.TokenTTLSeconds) * time.Second, nil
	}
	return s.defaultTTL, nil
}

func (s *Service) resolveRefreshTTL(tenantID uuid.UUID) (time.Duration, error) {
	settings, err := s.tenantSettings(tenantID)
	if err != nil {
		return 0, err
	}
	if settings != nil && settings.RefreshTokenTTLSeconds != nil {
		return time.Duration(*settings.RefreshTokenTTLSeconds) * time.Second, nil
	}
	return s.defaultRefreshTTL, nil
}

func (s *Service) tenantSettings(tenantID uuid.UUID) (*types.TenantSettings, error) {
	tenant, err := s.tenants.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, nil
	}
	return &tenant.Settings, nil
}

func (s *Service) ensureClaimsValid(claims tokenClaims, expectedUse string) error {
	if claims.Use != expectedUse {
		return errdefs.Unauthorized()
	}
	if time.Unix(claims.ExpiresAt, 0).Before(s.now()) {
		return errdefs.Unauthorized()
	}
	if claims.Issuer != s.issuer {
		return errdefs.Unauthorized()
	}
	if s.defaultAudience != nil {
		if claims.Audience == nil || *claims.Audience != *s.defaultAudience {
			return errdefs.Unauthorized()
		}
	}
	return nil
}

func validateScopes(scopes []scope.Scope) error {
	if len(scopes) == 0 {
		return errdefs.InvalidInput("scopes required")
	}
	seen := make(map[scope.Scope]struct{}, len(scopes))
	for _, sc := range scopes {
		if _, dup := seen[sc]; dup {
			return errdefs.InvalidInput("duplicate scopes")
		}
		seen[sc] = struct{}{}
	}
	return nil
}
