package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-access-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func fullClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"id":         "agent-1",
		"email":      "agent@example.com",
		"name":       "Agent One",
		"role":       "agent",
		"isVerified": true,
		"sip": map[string]interface{}{
			"sip_username": "sip_agent_1",
			"sip_password": "secret",
			"sip_address":  "sip.example.com",
		},
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func TestParseAgentToken_ValidToken(t *testing.T) {
	identity, err := parseAgentToken(signToken(t, testSecret, fullClaims()), testSecret)
	require.NoError(t, err)

	assert.Equal(t, "agent-1", identity.AgentID)
	assert.Equal(t, "agent@example.com", identity.Email)
	assert.Equal(t, "Agent One", identity.Name)
	assert.True(t, identity.IsVerified)
	assert.Equal(t, "sip_agent_1", identity.SIP.Username)
	assert.Equal(t, "sip.example.com", identity.SIP.Address)
}

func TestParseAgentToken_ExpiredToken(t *testing.T) {
	claims := fullClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err := parseAgentToken(signToken(t, testSecret, claims), testSecret)
	assert.ErrorIs(t, err, errTokenExpired)
}

func TestParseAgentToken_WrongSecret(t *testing.T) {
	_, err := parseAgentToken(signToken(t, "other-secret", fullClaims()), testSecret)
	assert.ErrorIs(t, err, errTokenInvalid)
}

func TestParseAgentToken_MissingIdentity(t *testing.T) {
	claims := fullClaims()
	delete(claims, "email")

	_, err := parseAgentToken(signToken(t, testSecret, claims), testSecret)
	assert.ErrorIs(t, err, errClaimsMissing)
}

func TestParseAgentToken_MissingSIPCredentials(t *testing.T) {
	claims := fullClaims()
	delete(claims, "sip")

	_, err := parseAgentToken(signToken(t, testSecret, claims), testSecret)
	assert.ErrorIs(t, err, errClaimsMissing)
	assert.Contains(t, err.Error(), "SIP")
}

func TestParseAgentToken_GarbageToken(t *testing.T) {
	_, err := parseAgentToken("not-a-jwt", testSecret)
	assert.ErrorIs(t, err, errTokenInvalid)
}

func middlewareResponse(t *testing.T, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	var captured *AgentIdentity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = agentFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/user-info", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	AuthMiddleware(testSecret)(next).ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		require.NotNil(t, captured, "handler should see the identity on success")
	}
	return rec
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	rec := middlewareResponse(t, "Bearer "+signToken(t, testSecret, fullClaims()))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	rec := middlewareResponse(t, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing bearer token")
}

func TestAuthMiddleware_ExpiredTokenIs401(t *testing.T) {
	claims := fullClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()

	rec := middlewareResponse(t, "Bearer "+signToken(t, testSecret, claims))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token expired")
}

func TestAuthMiddleware_MissingClaimsIs403(t *testing.T) {
	claims := fullClaims()
	delete(claims, "sip")

	rec := middlewareResponse(t, "Bearer "+signToken(t, testSecret, claims))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthMiddleware_BadSignatureIs401(t *testing.T) {
	rec := middlewareResponse(t, "Bearer "+signToken(t, "other-secret", fullClaims()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid token")
}
