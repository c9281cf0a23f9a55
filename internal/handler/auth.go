package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/pkg/logger"
)

type contextKey string

const agentContextKey contextKey = "agent"

// SIPCredentials are the agent's SIP identity carried inside the JWT.
type SIPCredentials struct {
	Username string `json:"sip_username"`
	Password string `json:"sip_password"`
	Address  string `json:"sip_address"`
}

// AgentIdentity is the authenticated agent extracted from a bearer token.
type AgentIdentity struct {
	AgentID    string
	Email      string
	Name       string
	Role       string
	IsVerified bool
	SIP        SIPCredentials
}

var (
	errTokenExpired  = errors.New("token expired")
	errTokenInvalid  = errors.New("invalid token")
	errClaimsMissing = errors.New("missing required claims")
)

// parseAgentToken validates an HS256 token and extracts the agent identity.
// The token must carry id, email and SIP credentials; anything less is
// rejected as errClaimsMissing.
func parseAgentToken(tokenString, secret string) (*AgentIdentity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", errTokenInvalid, err)
	}
	if !token.Valid {
		return nil, errTokenInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errTokenInvalid
	}

	id, _ := claims["id"].(string)
	email, _ := claims["email"].(string)
	if id == "" || email == "" {
		return nil, errClaimsMissing
	}

	sip, _ := claims["sip"].(map[string]interface{})
	username, _ := sip["sip_username"].(string)
	if username == "" {
		return nil, fmt.Errorf("%w: no SIP credentials in token", errClaimsMissing)
	}
	password, _ := sip["sip_password"].(string)
	address, _ := sip["sip_address"].(string)

	name, _ := claims["name"].(string)
	role, _ := claims["role"].(string)
	verified, _ := claims["isVerified"].(bool)

	return &AgentIdentity{
		AgentID:    id,
		Email:      email,
		Name:       name,
		Role:       role,
		IsVerified: verified,
		SIP: SIPCredentials{
			Username: username,
			Password: password,
			Address:  address,
		},
	}, nil
}

// AuthMiddleware validates the bearer token and injects the agent identity
// into the request context. Expired and malformed tokens both return 401;
// tokens missing required claims return 403.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			agent, err := parseAgentToken(strings.TrimPrefix(header, "Bearer "), secret)
			if err != nil {
				logger.Base().Warn("rejected bearer token",
					zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
				switch {
				case errors.Is(err, errTokenExpired):
					writeJSONError(w, http.StatusUnauthorized, "token expired")
				case errors.Is(err, errClaimsMissing):
					writeJSONError(w, http.StatusForbidden, err.Error())
				default:
					writeJSONError(w, http.StatusUnauthorized, "invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), agentContextKey, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// agentFromContext returns the authenticated agent set by AuthMiddleware.
func agentFromContext(ctx context.Context) *AgentIdentity {
	agent, _ := ctx.Value(agentContextKey).(*AgentIdentity)
	return agent
}
