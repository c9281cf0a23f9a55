package twilio

import (
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/pkg/logger"
)

// NumberWebhookStatus describes one purchased number's webhook configuration.
type NumberWebhookStatus struct {
	PhoneNumber   string `json:"phone_number"`
	WebhookURL    string `json:"webhook_url"`
	WebhookMethod string `json:"webhook_method"`
	Configured    bool   `json:"configured"`
	Updated       bool   `json:"updated,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NumberService manages the voice webhooks of the account's purchased
// numbers.
type NumberService struct {
	client  *twilio.RestClient
	enabled bool
}

// NewNumberService builds the service. Missing credentials disable it rather
// than failing startup.
func NewNumberService(accountSID, authToken string) *NumberService {
	if accountSID == "" || authToken == "" {
		logger.Base().Warn("Twilio credentials not provided, number service disabled")
		return &NumberService{enabled: false}
	}
	return &NumberService{
		client:  twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken}),
		enabled: true,
	}
}

// Enabled reports whether the service holds credentials.
func (s *NumberService) Enabled() bool {
	return s.enabled
}

// ListWebhooks returns the current voice webhook of every purchased number.
func (s *NumberService) ListWebhooks() ([]NumberWebhookStatus, error) {
	if !s.enabled {
		return nil, fmt.Errorf("twilio number service is disabled")
	}

	numbers, err := s.client.Api.ListIncomingPhoneNumber(&api.ListIncomingPhoneNumberParams{})
	if err != nil {
		return nil, fmt.Errorf("list phone numbers: %w", err)
	}

	statuses := make([]NumberWebhookStatus, 0, len(numbers))
	for _, n := range numbers {
		status := NumberWebhookStatus{}
		if n.PhoneNumber != nil {
			status.PhoneNumber = *n.PhoneNumber
		}
		if n.VoiceUrl != nil {
			status.WebhookURL = *n.VoiceUrl
		}
		if n.VoiceMethod != nil {
			status.WebhookMethod = *n.VoiceMethod
		}
		status.Configured = status.WebhookURL != ""
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// AutoRoute points every purchased number's voice webhook at this service.
// Numbers that fail to update are reported per number, not as an aggregate
// error.
func (s *NumberService) AutoRoute(baseURL string) ([]NumberWebhookStatus, error) {
	if !s.enabled {
		return nil, fmt.Errorf("twilio number service is disabled")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("base URL required to configure webhooks")
	}

	numbers, err := s.client.Api.ListIncomingPhoneNumber(&api.ListIncomingPhoneNumberParams{})
	if err != nil {
		return nil, fmt.Errorf("list phone numbers: %w", err)
	}

	voiceURL := baseURL + "/twilio/inbound-call"
	fallbackURL := baseURL + "/twilio/error-handler"

	statuses := make([]NumberWebhookStatus, 0, len(numbers))
	for _, n := range numbers {
		status := NumberWebhookStatus{WebhookURL: voiceURL, WebhookMethod: "POST"}
		if n.PhoneNumber != nil {
			status.PhoneNumber = *n.PhoneNumber
		}
		if n.Sid == nil {
			status.Error = "number has no sid"
			statuses = append(statuses, status)
			continue
		}

		params := &api.UpdateIncomingPhoneNumberParams{}
		params.SetVoiceUrl(voiceURL)
		params.SetVoiceMethod("POST")
		params.SetVoiceFallbackUrl(fallbackURL)
		params.SetVoiceFallbackMethod("POST")

		if _, err := s.client.Api.UpdateIncomingPhoneNumber(*n.Sid, params); err != nil {
			logger.Base().Error("failed to update number webhook",
				zap.String("phone_number", status.PhoneNumber), zap.Error(err))
			status.Error = err.Error()
		} else {
			status.Configured = true
			status.Updated = true
			logger.Base().Info("configured number webhook",
				zap.String("phone_number", status.PhoneNumber),
				zap.String("voice_url", voiceURL))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
