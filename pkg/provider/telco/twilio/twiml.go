package twilio

import (
	"fmt"
	"sort"
	"strings"

	"github.com/routatel/trunkline/pkg/provider/telco"
)

// xmlEscaper escapes text placed inside TwiML attribute values and
// character data.
var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// ConnectStream builds the answer TwiML that bridges the call onto a Media
// Streams socket at wsURL. Custom parameters are emitted in sorted key
// order and surface again in the stream's start event.
func ConnectStream(wsURL string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<Response><Connect><Stream url="`)
	b.WriteString(xmlEscaper.Replace(wsURL))
	b.WriteString(`">`)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, `<Parameter name="%s" value="%s"/>`,
			xmlEscaper.Replace(k), xmlEscaper.Replace(params[k]))
	}

	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}

// GatherTwiML builds the IVR digit-collection document. The action URL is
// emitted verbatim: it is produced by the digit subsystem with the callSid,
// planId, stepIndex, and channelSessionId parameters already encoded, and
// downstream callback dedupe matches on the exact string.
func GatherTwiML(req telco.GatherRequest) string {
	return fmt.Sprintf(
		`<Response><Gather input="dtmf" numDigits="%d" timeout="%d" action="%s" method="POST"><Say voice="%s">%s</Say></Gather>%s</Response>`,
		req.NumDigits,
		req.TimeoutS,
		req.ActionURL,
		xmlEscaper.Replace(req.Voice),
		xmlEscaper.Replace(req.Prompt),
		req.FollowUp,
	)
}

// SayHangup builds a document that speaks text and ends the call.
func SayHangup(voice, text string) string {
	return fmt.Sprintf(`<Response><Say voice="%s">%s</Say><Hangup/></Response>`,
		xmlEscaper.Replace(voice), xmlEscaper.Replace(text))
}

// HangupTwiML ends the call immediately.
func HangupTwiML() string {
	return `<Response><Hangup/></Response>`
}
