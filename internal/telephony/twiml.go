package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only the verbs the bridge flow needs are modeled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName xml.Name `xml:"Gather"`
	Input   string   `xml:"input,attr,omitempty"`
	Timeout int      `xml:"timeout,attr,omitempty"`
	Action  string   `xml:"action,attr,omitempty"`
	Method  string   `xml:"method,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName  xml.Name    `xml:"Dial"`
	CallerID string      `xml:"callerId,attr,omitempty"`
	Number   twimlNumber `xml:"Number"`
}

type twimlNumber struct {
	StatusCallback          string `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent     string `xml:"statusCallbackEvent,attr,omitempty"`
	StatusCallbackMethod    string `xml:"statusCallbackMethod,attr,omitempty"`
	MachineDetection        string `xml:"machineDetection,attr,omitempty"`
	AmdStatusCallback       string `xml:"amdStatusCallback,attr,omitempty"`
	AmdStatusCallbackMethod string `xml:"amdStatusCallbackMethod,attr,omitempty"`
	Value                   string `xml:",chardata"`
}

// Voice selects the text-to-speech voice for prompts.
type Voice struct {
	Name     string
	Language string
}

// Greeting is played on the origin leg while waiting for a spoken reply.
type Greeting struct {
	Voice         Voice
	Text          string
	GatherTimeout int
	GatherAction  string
}

// Bridge dials the destination into the origin leg.
type Bridge struct {
	Voice    Voice
	Text     string
	CallerID string
	To       string

	StatusCallbackURL     string
	AnsweredByCallbackURL string
}

// RenderGreeting asks the origin party to speak, then hangs up if nothing
// was gathered.
func RenderGreeting(g Greeting) (string, error) {
	if strings.TrimSpace(g.GatherAction) == "" {
		return "", errors.New("telephony: gather action required")
	}
	timeout := g.GatherTimeout
	if timeout <= 0 {
		timeout = 5
	}
	return render(
		twimlSay{Voice: g.Voice.Name, Language: g.Voice.Language, Text: g.Text},
		twimlGather{Input: "speech", Timeout: timeout, Action: g.GatherAction, Method: "POST"},
		twimlHangup{},
	)
}

// RenderBridge tells the provider to dial the destination with progress and
// answering machine callbacks.
func RenderBridge(b Bridge) (string, error) {
	if strings.TrimSpace(b.To) == "" {
		return "", errors.New("telephony: bridge destination required")
	}
	var verbs []any
	if b.Text != "" {
		verbs = append(verbs, twimlSay{Voice: b.Voice.Name, Language: b.Voice.Language, Text: b.Text})
	}
	verbs = append(verbs, twimlDial{
		CallerID: b.CallerID,
		Number: twimlNumber{
			StatusCallback:          b.StatusCallbackURL,
			StatusCallbackEvent:     strings.Join(statusCallbackEvents, " "),
			StatusCallbackMethod:    "POST",
			MachineDetection:        "Enable",
			AmdStatusCallback:       b.AnsweredByCallbackURL,
			AmdStatusCallbackMethod: "POST",
			Value:                   b.To,
		},
	})
	return render(verbs...)
}

func RenderHangup() (string, error) {
	return render(twimlHangup{})
}

func render(verbs ...any) (string, error) {
	r := twimlResponse{Verbs: verbs}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// CallbackURL joins the public base URL with a webhook route and call id.
func CallbackURL(baseURL, route, callID string) string {
	return strings.TrimRight(baseURL, "/") + "/v1/phone/" + strings.Trim(route, "/") + "/" + callID
}
