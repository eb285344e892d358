package vonage

import (
	"encoding/json"

	"github.com/routatel/trunkline/pkg/provider/telco"
)

// NCCO action shapes. Vonage call flow is a JSON array of actions; the call
// ends when the last action completes.

type connectAction struct {
	Action   string       `json:"action"`
	Endpoint []wsEndpoint `json:"endpoint"`
}

type wsEndpoint struct {
	Type        string            `json:"type"`
	URI         string            `json:"uri"`
	ContentType string            `json:"content-type"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type talkAction struct {
	Action  string `json:"action"`
	Text    string `json:"text"`
	BargeIn bool   `json:"bargeIn,omitempty"`
}

type inputAction struct {
	Action   string    `json:"action"`
	Type     []string  `json:"type"`
	DTMF     dtmfInput `json:"dtmf"`
	EventURL []string  `json:"eventUrl"`
}

type dtmfInput struct {
	MaxDigits    int  `json:"maxDigits"`
	TimeOut      int  `json:"timeOut"`
	SubmitOnHash bool `json:"submitOnHash"`
}

// ConnectStreamNCCO builds the answer NCCO that bridges the call onto the
// L16/16k WebSocket at wsURL. params travel as connection headers and
// surface in the socket's websocket:connected announcement.
func ConnectStreamNCCO(wsURL string, params map[string]string) string {
	ncco := []any{
		connectAction{
			Action: "connect",
			Endpoint: []wsEndpoint{{
				Type:        "websocket",
				URI:         wsURL,
				ContentType: "audio/l16;rate=16000",
				Headers:     params,
			}},
		},
	}
	data, _ := json.Marshal(ncco)
	return string(data)
}

// GatherNCCO builds a talk-then-input flow for provider-side digit
// collection. The gathered digits post to req.ActionURL. req.FollowUp is a
// TwiML concept and is ignored here: an NCCO input blocks until it
// completes.
func GatherNCCO(req telco.GatherRequest) string {
	ncco := []any{
		talkAction{Action: "talk", Text: req.Prompt, BargeIn: true},
		inputAction{
			Action:   "input",
			Type:     []string{"dtmf"},
			DTMF:     dtmfInput{MaxDigits: req.NumDigits, TimeOut: req.TimeoutS, SubmitOnHash: true},
			EventURL: []string{req.ActionURL},
		},
	}
	data, _ := json.Marshal(ncco)
	return string(data)
}

// TalkNCCO builds a flow that speaks text and lets the call end.
func TalkNCCO(text string) string {
	ncco := []any{talkAction{Action: "talk", Text: text}}
	data, _ := json.Marshal(ncco)
	return string(data)
}
