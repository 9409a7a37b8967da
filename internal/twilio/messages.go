// Package twilio speaks the Media Streams websocket protocol: the JSON
// envelope Twilio exchanges over the stream opened by a <Connect><Stream>
// TwiML verb, plus the TwiML document itself.
package twilio

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies media-stream payload variants.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventMark      EventType = "mark"
	EventStop      EventType = "stop"
	EventDTMF      EventType = "dtmf"
	EventClear     EventType = "clear"
)

var ErrUnsupportedEvent = errors.New("unsupported media-stream event")

type Envelope struct {
	Event EventType `json:"event"`
}

type Connected struct {
	Event    EventType `json:"event"`
	Protocol string    `json:"protocol"`
	Version  string    `json:"version"`
}

// Start carries call identity and negotiated media format. CustomParameters
// mirror the <Parameter> elements of the TwiML <Stream> verb.
type Start struct {
	Event          EventType  `json:"event"`
	SequenceNumber string     `json:"sequenceNumber"`
	StreamSID      string     `json:"streamSid"`
	Start          StartFrame `json:"start"`
}

type StartFrame struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Media struct {
	Event     EventType  `json:"event"`
	StreamSID string     `json:"streamSid,omitempty"`
	Media     MediaFrame `json:"media"`
}

type MediaFrame struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Mark struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid,omitempty"`
	Mark      MarkFrame `json:"mark"`
}

type MarkFrame struct {
	Name string `json:"name"`
}

type Stop struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid,omitempty"`
	Stop      StopFrame `json:"stop"`
}

type StopFrame struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type DTMF struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid,omitempty"`
	DTMF      DTMFFrame `json:"dtmf"`
}

type DTMFFrame struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// Clear tells Twilio to drop all audio buffered for playback. Sent toward
// the call on interruption; it carries no body beyond the stream SID.
type Clear struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
}

// ParseStreamMessage decodes one inbound websocket text frame.
func ParseStreamMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventStart:
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Start.CallSID == "" || msg.StreamSID == "" {
			return nil, errors.New("invalid start: missing call or stream SID")
		}
		return msg, nil
	case EventMedia:
		var msg Media
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media.Payload == "" {
			return nil, errors.New("invalid media: empty payload")
		}
		return msg, nil
	case EventMark:
		var msg Mark
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Mark.Name == "" {
			return nil, errors.New("invalid mark: empty name")
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventDTMF:
		var msg DTMF
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventClear:
		var msg Clear
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.Event)
	}
}

// OutboundMedia builds a media frame toward the call.
func OutboundMedia(streamSID, payloadB64 string) Media {
	return Media{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     MediaFrame{Payload: payloadB64},
	}
}

// OutboundMark builds a playback-completion marker; Twilio echoes it back
// once all audio queued before it has played out.
func OutboundMark(streamSID, name string) Mark {
	return Mark{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      MarkFrame{Name: name},
	}
}

func OutboundClear(streamSID string) Clear {
	return Clear{Event: EventClear, StreamSID: streamSID}
}
