package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassandranet/cassnet/pkg/errdefs"
	"github.com/cassandranet/cassnet/pkg/scope"
	"github.com/cassandranet/cassnet/pkg/storage"
	"github.com/cassandranet/cassnet/pkg/types"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *storage.MemoryStore, uuid.UUID) {
	t.Helper()
	store := storage.NewMemoryStore()
	tenant := types.Tenant{
		ID:        uuid.New(),
		Name:      "acme",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.InsertTenant(tenant))
	svc := NewService(store, store, []byte("test-secret"), opts...)
	return svc, store, tenant.ID
}

func TestIssueAndAuthenticateApiKey(t *testing.T) {
	svc, _, tenantID := newTestService(t)

	key, err := svc.IssueApiKey(tenantID, "ci", []scope.Scope{scope.TenantRead})
	require.NoError(t, err)
	assert.Equal(t, tenantID, key.TenantID)
	assert.Contains(t, key.Value, ".")

	ctx, err := svc.AuthenticateApiKey(key.Value)
	require.NoError(t, err)
	assert.Equal(t, tenantID, ctx.TenantID)
	assert.Equal(t, types.PrincipalServiceAccount, ctx.PrincipalType)
	assert.Equal(t, []scope.Scope{scope.TenantRead}, ctx.Scopes)
	assert.True(t, ctx.ExpiresAt.After(ctx.IssuedAt))
}

func TestIssueApiKeyScopeValidation(t *testing.T) {
	svc, _, tenantID := newTestService(t)

	_, err := svc.IssueApiKey(tenantID, "empty", nil)
	assert.True(t, errdefs.IsInvalidInput(err))

	_, err = svc.IssueApiKey(tenantID, "dup", []scope.Scope{scope.Admin, scope.Admin})
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestAuthenticateApiKeyMalformed(t *testing.T) {
	svc, _, _ := newTestService(t)

	for _, raw := range []string{"", "nodot", "a.b.c", "ab.secret"} {
		_, err := svc.AuthenticateApiKey(raw)
		assert.True(t, errdefs.IsInvalidInput(err), "input %q", raw)
	}
}

func TestAuthenticateApiKeyWrongSecret(t *testing.T) {
	svc, _, tenantID := newTestService(t)

	key, err := svc.IssueApiKey(tenantID, "ci", []scope.Scope{scope.TenantRead})
	require.NoError(t, err)

	prefix := strings.SplitN(key.Value, ".", 2)[0]
	_, err = svc.AuthenticateApiKey(prefix + ".wrong-secret")
	assert.True(t, errdefs.IsUnauthorized(err))

	_, err = svc.AuthenticateApiKey("deadbeef.whatever")
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestAuthenticateRevokedKey(t *testing.T) {
	svc, _, tenantID := newTestService(t)

	key, err := svc.IssueApiKey(tenantID, "ci", []scope.Scope{scope.TenantRead})
	require.NoError(t, err)
	require.NoError(t, svc.RevokeApiKey(key.ID))

	_, err = svc.AuthenticateApiKey(key.Value)
	assert.True(t, errdefs.IsForbidden(err))
}

func TestSoftDeleteApiKey(t *testing.T) {
	svc, store, tenantID := newTestService(t)

	key, err := svc.IssueApiKey(tenantID, "ci", []scope.Scope{scope.TenantRead})
	require.NoError(t, err)
	require.NoError(t, svc.SoftDeleteApiKey(key.ID))

	record, err := store.GetApiKey(key.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.Revoked)
	assert.NotNil(t, record.DeletedAt)

	// A soft-deleted key is inactive, not unknown.
	_, err = svc.AuthenticateApiKey(key.Value)
	assert.True(t, errdefs.IsForbidden(err))

	err = svc.SoftDeleteApiKey(uuid.New())
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRotateApiKey(t *testing.T) {
	svc, store, tenantID := newTestService(t)

	key, err := svc.IssueApiKey(tenantID, "ci", []scope.Scope{scope.TenantRead, scope.TenantWrite})
	require.NoError(t, err)

	rotated, err := svc.RotateApiKey(key.ID)
	require.NoError(t, err)
	assert.Equal(t, key.Label, rotated.Label)
	assert.Equal(t, key.Scopes, rotated.Scopes)
	require.NotNil(t, rotated.RotationParent)
	assert.Equal(t, key.ID, *rotated.RotationParent)

	old, err := store.GetApiKey(key.ID)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.True(t, old.Revoked)
	assert.NotNil(t, old.DeletedAt)
	require.NotNil(t, old.RotatedTo)
	assert.Equal(t, rotated.ID, *old.RotatedTo)

	// The old key is spent; rotating it again must fail.
	_, err = svc.RotateApiKey(key.ID)
	assert.True(t, errdefs.IsInvalidInput(err))

	// The new key authenticates, the old one no longer does.
	_, err = svc.AuthenticateApiKey(rotated.Value)
	assert.NoError(t, err)
	_, err = svc.AuthenticateApiKey(key.Value)
	assert.True(t, errdefs.IsForbidden(err))
}

func TestRotateUnknownKey(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.RotateApiKey(uuid.New())
	assert.True(t, errdefs.IsNotFound(err))
}

func TestTokenRoundTrip(t *testing.T) {
	svc, _, tenantID := newTestService(t)

	ctx := types.AuthContext{
		PrincipalID:   uuid.New(),
		PrincipalType: types.PrincipalTenant,
		TenantID:      tenantID,
		Scopes:        []scope.Scope{scope.Admin, scope.TenantRead},
	}
	token, err := svc.IssueTokenFromContext(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, strings.Split(token.Token, "."), 3)

	validated, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, ctx.PrincipalID, validated.PrincipalID)
	assert.Equal(t, ctx.PrincipalType, validated.PrincipalType)
	assert.Equal(t, ctx.TenantID, validated.TenantID)
	assert.Equal(t, ctx.Scopes, validated.Scopes)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	svc, store, tenantID := newTestService(t)

	token, err := svc.IssueTokenFromContext(types.AuthContext{
		PrincipalID:   uuid.New(),
		PrincipalType: types.PrincipalTenant,
		TenantID:      tenantID,
		Scopes:        []scope.Scope{scope.Admin},
	}, nil)
	require.NoError(t, err)

	other := NewService(store, store, []byte("different-secret"))
	_, err = other.ValidateToken(token.Token)
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestValidateTokenExtraSegments(t *testing.T) {
	svc, _, tenantID := newTestService(t)

	token, err := svc.IssueTokenFromContext(types.AuthContext{
		PrincipalID:   uuid.New(),
		PrincipalType: types.PrincipalTenant,
		TenantID:      tenantID,
		Scopes:        []scope.Scope{scope.Admin},
	}, nil)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token.Token + ".extra")
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestValidateTokenExpired(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	svc, _, tenantID := newTestService(t, WithClock(func() time.Time { return past }))

	ttl := time.Minute
	token, err := svc.IssueTokenFromContext(types.AuthContext{
		PrincipalID:   uuid.New(),
		PrincipalType: types.PrincipalTenant,
		TenantID:      tenantID,
		Scopes:        []scope.Scope{scope.Admin},
	}, &ttl)
	require.NoError(t, err)

	// A service on the real clock sees the token as expired.
	fresh, _, _ := newTestService(t)
	_, err = fresh.ValidateToken(token.Token)
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestRefreshAccessToken(t *testing.T) {
	svc, _, tenantID := newTestService(t)

	ctx := types.AuthContext{
		PrincipalID:   uuid.New(),
		PrincipalType: types.PrincipalAgent,
		TenantID:      tenantID,
		Scopes:        []scope.Scope{scope.AgentExecute},
	}
	token, err := svc.IssueTokenFromContext(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, token.RefreshToken)

	// The refresh token is not an access token.
	_, err = svc.ValidateToken(*token.RefreshToken)
	assert.True(t, errdefs.IsUnauthorized(err))

	refreshed, err := svc.RefreshAccessToken(*token.RefreshToken)
	require.NoError(t, err)
	validated, err := svc.ValidateToken(refreshed.Token)
	require.NoError(t, err)
	assert.Equal(t, ctx.PrincipalID, validated.PrincipalID)
	assert.Equal(t, ctx.TenantID, validated.TenantID)
	assert.Equal(t, ctx.Scopes, validated.Scopes)

	// An access token cannot stand in for a refresh token.
	_, err = svc.RefreshAccessToken(token.Token)
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestRefreshDisabledByTenant(t *testing.T) {
	store := storage.NewMemoryStore()
	zero := int64(0)
	tenant := types.Tenant{
		ID:        uuid.New(),
		Name:      "no-refresh",
		CreatedAt: time.Now().UTC(),
		Settings:  types.TenantSettings{RefreshTokenTTLSeconds: &zero},
	}
	require.NoError(t, store.InsertTenant(tenant))
	svc := NewService(store, store, []byte("test-secret"))

	token, err := svc.IssueTokenFromContext(types.AuthContext{
		PrincipalID:   uuid.New(),
		PrincipalType: types.PrincipalTenant,
		TenantID:      tenant.ID,
		Scopes:        []scope.Scope{scope.Admin},
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, token.RefreshToken)
}

func TestTenantTokenTTLOverride(t *testing.T) {
	store := storage.NewMemoryStore()
	ttl := int64(120)
	tenant := types.Tenant{
		ID:        uuid.New(),
		Name:      "short-lived",
		CreatedAt: time.Now().UTC(),
		Settings:  types.TenantSettings{TokenTTLSeconds: &ttl},
	}
	require.NoError(t, store.InsertTenant(tenant))
	svc := NewService(store, store, []byte("test-secret"))

	token, err := svc.IssueTokenFromContext(types.AuthContext{
		PrincipalID:   uuid.New(),
		PrincipalType: types.PrincipalTenant,
		TenantID:      tenant.ID,
		Scopes:        []scope.Scope{scope.Admin},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, token.Context.ExpiresAt.Sub(token.Context.IssuedAt))
}

func TestValidateTokenAudience(t *testing.T) {
	svc, store, tenantID := newTestService(t, WithDefaultAudience("agents"))

	token, err := svc.IssueTokenFromContext(types.AuthContext{
		PrincipalID:   uuid.New(),
		PrincipalType: types.PrincipalAgent,
		TenantID:      tenantID,
		Scopes:        []scope.Scope{scope.AgentExecute},
	}, nil)
	require.NoError(t, err)

	validated, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	require.NotNil(t, validated.Audience)
	assert.Equal(t, "agents", *validated.Audience)

	// A service expecting a different audience rejects the token.
	other := NewService(store, store, []byte("test-secret"), WithDefaultAudience("operators"))
	_, err = other.ValidateToken(token.Token)
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestIssueTokenForApiKey(t *testing.T) {
	svc, _, tenantID := newTestService(t)

	key, err := svc.IssueApiKey(tenantID, "exchange", []scope.Scope{scope.OrchestrationManage})
	require.NoError(t, err)

	token, err := svc.IssueTokenForApiKey(key.Value, nil)
	require.NoError(t, err)
	validated, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, key.ID, validated.PrincipalID)
	assert.Equal(t, tenantID, validated.TenantID)
}

func TestListKeys(t *testing.T) {
	svc, _, tenantID := newTestService(t)

	first, err := svc.IssueApiKey(tenantID, "a", []scope.Scope{scope.TenantRead})
	require.NoError(t, err)
	_, err = svc.IssueApiKey(tenantID, "b", []scope.Scope{scope.TenantWrite})
	require.NoError(t, err)
	require.NoError(t, svc.RevokeApiKey(first.ID))

	keys, err := svc.ListKeys(tenantID)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
