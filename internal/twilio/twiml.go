package twilio

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
)

// TwiML for the voice webhook: answer the call and connect its media to the
// bridge's websocket endpoint.

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// ConnectStreamTwiML renders the answer document. A non-empty sayFirst adds a
// short carrier-voiced line before the stream connects, useful while the
// model leg is still dialing.
func ConnectStreamTwiML(streamURL, sayFirst string, params map[string]string) ([]byte, error) {
	doc := twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{URL: streamURL}},
	}
	if sayFirst != "" {
		doc.Say = &twimlSay{Text: sayFirst}
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Connect.Stream.Parameters = append(doc.Connect.Stream.Parameters,
			twimlParameter{Name: name, Value: params[name]})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("render twiml: %w", err)
	}
	return buf.Bytes(), nil
}

// RejectTwiML renders a polite refusal for callers the service will not
// bridge.
func RejectTwiML(message string) ([]byte, error) {
	if message == "" {
		message = "Sorry, this number is not taking calls right now. Goodbye."
	}
	doc := twimlResponse{Say: &twimlSay{Text: message}}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("render twiml: %w", err)
	}
	return buf.Bytes(), nil
}
