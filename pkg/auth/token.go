package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cassandranet/cassnet/pkg/errdefs"
	"github.com/cassandranet/cassnet/pkg/scope"
	"github.com/cassandranet/cassnet/pkg/types"
)

const (
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// jwtHeader is emitted verbatim; verification rejects any other alg.
var jwtHeader = []byte(`{"alg":"HS256","typ":"JWT"}`)

var b64 = base64.RawURLEncoding

// tokenClaims is the signed payload. iat and exp are integer seconds since
// epoch.
type tokenClaims struct {
	Sub           string                     `json:"sub"`
	TenantID      string                     `json:"tenant_id"`
	Scopes        []string                   `json:"scopes"`
	PrincipalType string                     `json:"prn_type"`
	Audience      *string                    `json:"aud"`
	Issuer        string                     `json:"iss"`
	Use           string                     `json:"use"`
	Nonce         string                     `json:"nonce"`
	Session       *types.AuthSessionMetadata `json:"session"`
	IssuedAt      int64                      `json:"iat"`
	ExpiresAt     int64                      `json:"exp"`
}

func claimsFromContext(ctx types.AuthContext, use string, nonce string) tokenClaims {
	issuer := "cassantranet"
	if ctx.Issuer != nil {
		issuer = *ctx.Issuer
	}
	return tokenClaims{
		Sub:           ctx.PrincipalID.String(),
		TenantID:      ctx.TenantID.String(),
		Scopes:        scope.Strings(ctx.Scopes),
		PrincipalType: string(ctx.PrincipalType),
		Audience:      ctx.Audience,
		Issuer:        issuer,
		Use:           use,
		Nonce:         nonce,
		Session:       ctx.Session,
		IssuedAt:      ctx.IssuedAt.Unix(),
		ExpiresAt:     ctx.ExpiresAt.Unix(),
	}
}

func (c tokenClaims) toContext() types.AuthContext {
	principalID, _ := uuid.Parse(c.Sub)
	tenantID, _ := uuid.Parse(c.TenantID)
	principalType := types.PrincipalType(c.PrincipalType)
	switch principalType {
	case types.PrincipalTenant, types.PrincipalAgent, types.PrincipalServiceAccount:
	default:
		principalType = types.PrincipalService
	}
	issuer := c.Issuer
	return types.AuthContext{
		PrincipalID:   principalID,
		PrincipalType: principalType,
		TenantID:      tenantID,
		Scopes:        scope.FromStrings(c.Scopes),
		IssuedAt:      time.Unix(c.IssuedAt, 0).UTC(),
		ExpiresAt:     time.Unix(c.ExpiresAt, 0).UTC(),
		Audience:      c.Audience,
		Issuer:        &issuer,
		Session:       c.Session,
	}
}

func signJWT(claims tokenClaims, secret []byte) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errdefs.Internal("serialize claims")
	}
	signingInput := b64.EncodeToString(jwtHeader) + "." + b64.EncodeToString(payload)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingInput))
	signature := b64.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature, nil
}

func verifyJWT(token string, secret []byte) (tokenClaims, error) {
	var claims tokenClaims
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return claims, errdefs.Unauthorized()
	}
	header, payload, signature := parts[0], parts[1], parts[2]

	headerBytes, err := b64.DecodeString(header)
	if err != nil || !strings.Contains(string(headerBytes), "HS256") {
		return claims, errdefs.Unauthorized()
	}

	signingInput := header + "." + payload
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingInput))
	expected := mac.Sum(nil)
	provided, err := b64.DecodeString(signature)
	if err != nil {
		return claims, errdefs.Unauthorized()
	}
	if !hmac.Equal(provided, expected) {
		return claims, errdefs.Unauthorized()
	}

	claimsBytes, err := b64.DecodeString(payload)
	if err != nil {
		return claims, errdefs.Unauthorized()
	}
	if err := json.Unmarshal(claimsBytes, &claims); err != nil {
		return claims, errdefs.Unauthorized()
	}
	return claims, nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func hashSecret(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return b64.EncodeToString(digest[:])
}

// parseApiKey splits "<prefix>.<secret>". Exactly one dot, prefix at least
// four characters.
func parseApiKey(token string) (prefix, secret string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || len(parts[0]) < 4 {
		return "", "", errdefs.InvalidInput("malformed api key")
	}
	return parts[0], parts[1], nil
}
