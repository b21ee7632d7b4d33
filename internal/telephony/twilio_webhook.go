package telephony

import (
	"errors"
	"net/http"
	"strings"
)

// callbackFields is the subset of voice callback fields persisted with each
// event. Twilio posts application/x-www-form-urlencoded.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
var callbackFields = []string{
	"CallSid",
	"ParentCallSid",
	"AccountSid",
	"CallStatus",
	"AnsweredBy",
	"MachineDetectionDuration",
	"Direction",
	"From",
	"To",
	"ApiVersion",
	"Timestamp",
	"SequenceNumber",
	"CallDuration",
	"CallbackSource",
	"SpeechResult",
	"Confidence",
	"ForwardedFrom",
	"CallerName",
}

var ErrMalformedCallback = errors.New("telephony: malformed callback")

// ParseCallback extracts known callback fields from a provider request.
// Values are trimmed; absent fields are omitted.
func ParseCallback(r *http.Request) (map[string]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, errors.Join(ErrMalformedCallback, err)
	}
	out := make(map[string]string, len(callbackFields))
	for _, k := range callbackFields {
		if _, ok := r.PostForm[k]; !ok {
			continue
		}
		out[k] = normalizeValue(k, r.PostFormValue(k))
	}
	if out["CallSid"] == "" {
		return nil, errors.Join(ErrMalformedCallback, errors.New("CallSid is required"))
	}
	return out, nil
}

func normalizeValue(key, v string) string {
	v = strings.TrimSpace(v)
	switch key {
	case "CallStatus", "AnsweredBy":
		// Twilio sends lowercase tokens; tolerate case drift but nothing else.
		return strings.ToLower(v)
	default:
		return v
	}
}
