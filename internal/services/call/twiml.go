package call

import (
	"fmt"
	"strconv"

	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/internal/domain"
	"github.com/upranked/call-dispatch-service/pkg/logger"
)

const (
	msgTechnicalDifficulties = "We are experiencing technical difficulties. Please try again in a few moments."
	msgAllAgentsBusy         = "All our agents are currently busy. Please try again later. Goodbye."
	msgConnecting            = "Thank you for calling. Please wait while we connect you to an agent."
	msgRateLimited           = "We are receiving too many calls from your number. Please try again later."
	msgErrorHandler          = "We are currently experiencing technical difficulties and cannot take your call. Please try again in a few minutes. We apologize for the inconvenience."
	msgNoDestination         = "No destination number was provided. Please try your call again."
	msgNoCallerID            = "Your organization has no registered number for outbound calls. Please contact your administrator."
)

// RateLimitedTwiML declines a call from a throttled caller.
func RateLimitedTwiML() string {
	return declineTwiML(msgRateLimited)
}

// ErrorHandlerTwiML answers calls the carrier failed over to the error
// webhook.
func ErrorHandlerTwiML() string {
	return declineTwiML(msgErrorHandler)
}

// declineTwiML speaks a message and hangs up.
func declineTwiML(message string) string {
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: message, Voice: "alice", Language: "en-US"},
		&twiml.VoiceHangup{},
	})
	if err != nil {
		logger.Base().Error("failed to render decline response", zap.Error(err))
		return fallbackHangupTwiML
	}
	return doc
}

// connectTwiML greets the caller and dials the selected agent's client with a
// dial-status action so the terminal callback carries the call and agent ids.
func (s *Service) connectTwiML(in *InboundCall, agent *domain.AgentPresence) string {
	client := &twiml.VoiceClient{
		Identity:             agent.SIPUsername,
		StatusCallbackEvent:  "initiated ringing answered completed",
		StatusCallback:       s.webhookURL("/twilio/client-status"),
		StatusCallbackMethod: "POST",
	}
	dial := &twiml.VoiceDial{
		CallerId: in.CallerNumber,
		Timeout:  strconv.Itoa(s.cfg.DialTimeoutSeconds),
		Action: s.webhookURL(fmt.Sprintf("/twilio/call-status?call_id=%s&agent_id=%s",
			in.CallID, agent.AgentID)),
		Method:                  "POST",
		Record:                  "record-from-answer",
		RecordingStatusCallback: s.webhookURL("/twilio/recording-status"),
		InnerElements:           []twiml.Element{client},
	}

	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: msgConnecting, Voice: "alice", Language: "en-US"},
		&twiml.VoicePause{Length: "1"},
		dial,
	})
	if err != nil {
		logger.Base().Error("failed to render connect response",
			zap.String("call_id", in.CallID), zap.Error(err))
		return declineTwiML(msgTechnicalDifficulties)
	}
	return doc
}

// outboundTwiML dials a phone number presenting the organization's registered
// caller ID.
func (s *Service) outboundTwiML(callerID, toNumber string) string {
	dial := &twiml.VoiceDial{
		CallerId: callerID,
		Timeout:  strconv.Itoa(s.cfg.DialTimeoutSeconds),
		InnerElements: []twiml.Element{
			&twiml.VoiceNumber{PhoneNumber: toNumber},
		},
	}

	doc, err := twiml.Voice([]twiml.Element{dial})
	if err != nil {
		logger.Base().Error("failed to render outbound dial response",
			zap.String("to", toNumber), zap.Error(err))
		return declineTwiML(msgTechnicalDifficulties)
	}
	return doc
}

// webhookURL prefixes a path with the public base URL when one is configured.
// Relative URLs work too: the carrier resolves them against the webhook that
// returned the document.
func (s *Service) webhookURL(path string) string {
	if s.cfg.BaseURL == "" {
		return path
	}
	return s.cfg.BaseURL + path
}

const fallbackHangupTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`
