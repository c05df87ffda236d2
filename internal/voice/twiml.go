package voice

import (
	"fmt"
	"strings"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

// Parameter is a custom parameter passed to a media stream. Twilio echoes
// these in the stream's start event.
type Parameter struct {
	Name  string
	Value string
}

// Gather describes a single-digit keypad prompt.
type Gather struct {
	Action    string
	Prompt    string
	NumDigits int
	// Timeout is in seconds.
	Timeout int
	// Redirect is requested when no digit arrives.
	Redirect string
}

// EmptyResponse acknowledges a webhook without instructions.
func EmptyResponse() string {
	return xmlHeader + `<Response></Response>`
}

// Stream describes a bidirectional media stream connection.
type Stream struct {
	URL    string
	Params []Parameter
	// Say is spoken before the stream connects.
	Say string
}

// ConnectStream bridges the call to a media stream.
func ConnectStream(s Stream) string {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString("\n<Response>\n")
	if s.Say != "" {
		fmt.Fprintf(&b, "  <Say>%s</Say>\n", escapeXML(s.Say))
	}
	b.WriteString("  <Connect>\n")
	fmt.Fprintf(&b, "    <Stream url=\"%s\">\n", escapeXML(s.URL))
	for _, p := range s.Params {
		if p.Name == "" || p.Value == "" {
			continue
		}
		fmt.Fprintf(&b, "      <Parameter name=\"%s\" value=\"%s\" />\n", escapeXML(p.Name), escapeXML(p.Value))
	}
	b.WriteString("    </Stream>\n  </Connect>\n</Response>")
	return b.String()
}

// GatherDigit prompts for one digit and posts it to g.Action.
func GatherDigit(g Gather) string {
	numDigits := g.NumDigits
	if numDigits <= 0 {
		numDigits = 1
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 5
	}
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString("\n<Response>\n")
	fmt.Fprintf(&b, "  <Gather numDigits=\"%d\" timeout=\"%d\" action=\"%s\" method=\"POST\">\n",
		numDigits, timeout, escapeXML(g.Action))
	fmt.Fprintf(&b, "    <Say>%s</Say>\n", escapeXML(g.Prompt))
	b.WriteString("  </Gather>\n")
	if g.Redirect != "" {
		fmt.Fprintf(&b, "  <Redirect method=\"POST\">%s</Redirect>\n", escapeXML(g.Redirect))
	}
	b.WriteString("</Response>")
	return b.String()
}

// DialNumber forwards the call, optionally announcing message first.
func DialNumber(number, message string) string {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString("\n<Response>\n")
	if message != "" {
		fmt.Fprintf(&b, "  <Say>%s</Say>\n", escapeXML(message))
	}
	fmt.Fprintf(&b, "  <Dial>%s</Dial>\n</Response>", escapeXML(number))
	return b.String()
}

// SayHangup speaks message and ends the call.
func SayHangup(message string) string {
	return fmt.Sprintf("%s\n<Response>\n  <Say>%s</Say>\n  <Hangup/>\n</Response>", xmlHeader, escapeXML(message))
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
