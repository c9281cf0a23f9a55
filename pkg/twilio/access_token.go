// Package twilio wraps the Twilio REST API: browser voice tokens for agent
// clients and webhook configuration for purchased numbers.
package twilio

import (
	"fmt"

	twiliojwt "github.com/twilio/twilio-go/client/jwt"
)

// AccessTokenService issues short-lived Twilio voice tokens that let an agent
// client register with Twilio and receive the dialed leg in the browser.
type AccessTokenService struct {
	accountSID string
	apiKey     string
	apiSecret  string
	appSID     string
	ttlSeconds int
}

// NewAccessTokenService builds a token issuer. All credentials are required;
// the service errors per call rather than at construction so the rest of the
// server still runs without Twilio credentials in development.
func NewAccessTokenService(accountSID, apiKey, apiSecret, appSID string) *AccessTokenService {
	return &AccessTokenService{
		accountSID: accountSID,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		appSID:     appSID,
		ttlSeconds: 3600,
	}
}

// GenerateVoiceToken issues a token for identity with incoming calls allowed.
func (s *AccessTokenService) GenerateVoiceToken(identity string) (string, error) {
	if s.accountSID == "" || s.apiKey == "" || s.apiSecret == "" {
		return "", fmt.Errorf("twilio credentials not configured")
	}
	if identity == "" {
		return "", fmt.Errorf("identity required")
	}

	token := twiliojwt.CreateAccessToken(twiliojwt.AccessTokenParams{
		AccountSid:    s.accountSID,
		SigningKeySid: s.apiKey,
		Secret:        s.apiSecret,
		Identity:      identity,
		Ttl:           float64(s.ttlSeconds),
	})
	token.AddGrant(&twiliojwt.VoiceGrant{
		Incoming: twiliojwt.Incoming{Allow: true},
		Outgoing: twiliojwt.Outgoing{ApplicationSid: s.appSID},
	})
	return token.ToJwt()
}
