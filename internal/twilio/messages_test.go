package twilio

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseStart(t *testing.T) {
	raw := `{
		"event": "start",
		"sequenceNumber": "1",
		"streamSid": "MZ123",
		"start": {
			"accountSid": "AC1",
			"callSid": "CA1",
			"streamSid": "MZ123",
			"tracks": ["inbound"],
			"mediaFormat": {"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
			"customParameters": {"caller": "+15550001111"}
		}
	}`
	parsed, err := ParseStreamMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseStreamMessage() error = %v", err)
	}
	start, ok := parsed.(Start)
	if !ok {
		t.Fatalf("parsed = %T, want Start", parsed)
	}
	if start.Start.CallSID != "CA1" || start.StreamSID != "MZ123" {
		t.Fatalf("start = %+v", start)
	}
	if start.Start.MediaFormat.SampleRate != 8000 {
		t.Fatalf("sample rate = %d, want 8000", start.Start.MediaFormat.SampleRate)
	}
	if start.Start.CustomParameters["caller"] != "+15550001111" {
		t.Fatalf("custom parameters = %v", start.Start.CustomParameters)
	}
}

func TestParseStartMissingCallSID(t *testing.T) {
	raw := `{"event": "start", "streamSid": "MZ123", "start": {}}`
	if _, err := ParseStreamMessage([]byte(raw)); err == nil {
		t.Fatalf("ParseStreamMessage() accepted start without call SID")
	}
}

func TestParseMedia(t *testing.T) {
	raw := `{"event": "media", "streamSid": "MZ123", "media": {"track": "inbound", "payload": "AAAA"}}`
	parsed, err := ParseStreamMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseStreamMessage() error = %v", err)
	}
	media, ok := parsed.(Media)
	if !ok || media.Media.Payload != "AAAA" {
		t.Fatalf("parsed = %#v", parsed)
	}
}

func TestParseMediaEmptyPayload(t *testing.T) {
	raw := `{"event": "media", "media": {"payload": ""}}`
	if _, err := ParseStreamMessage([]byte(raw)); err == nil {
		t.Fatalf("ParseStreamMessage() accepted empty media payload")
	}
}

func TestParseMarkAndStop(t *testing.T) {
	mark, err := ParseStreamMessage([]byte(`{"event": "mark", "mark": {"name": "chunk-7"}}`))
	if err != nil {
		t.Fatalf("mark parse error = %v", err)
	}
	if m, ok := mark.(Mark); !ok || m.Mark.Name != "chunk-7" {
		t.Fatalf("mark = %#v", mark)
	}

	stop, err := ParseStreamMessage([]byte(`{"event": "stop", "stop": {"callSid": "CA1"}}`))
	if err != nil {
		t.Fatalf("stop parse error = %v", err)
	}
	if s, ok := stop.(Stop); !ok || s.Stop.CallSID != "CA1" {
		t.Fatalf("stop = %#v", stop)
	}
}

func TestParseUnsupportedEvent(t *testing.T) {
	_, err := ParseStreamMessage([]byte(`{"event": "hologram"}`))
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("error = %v, want ErrUnsupportedEvent", err)
	}
}

func TestOutboundFrames(t *testing.T) {
	media := OutboundMedia("MZ1", "cGF5bG9hZA==")
	raw, err := json.Marshal(media)
	if err != nil {
		t.Fatalf("marshal media: %v", err)
	}
	if !strings.Contains(string(raw), `"event":"media"`) {
		t.Fatalf("media frame = %s", raw)
	}

	mark := OutboundMark("MZ1", "chunk-1")
	raw, _ = json.Marshal(mark)
	if !strings.Contains(string(raw), `"name":"chunk-1"`) {
		t.Fatalf("mark frame = %s", raw)
	}

	clear := OutboundClear("MZ1")
	raw, _ = json.Marshal(clear)
	if !strings.Contains(string(raw), `"event":"clear"`) {
		t.Fatalf("clear frame = %s", raw)
	}
}

func TestConnectStreamTwiML(t *testing.T) {
	doc, err := ConnectStreamTwiML("wss://example.org/twilio/media-stream", "", map[string]string{
		"caller": "+15550001111",
		"callee": "+15550002222",
	})
	if err != nil {
		t.Fatalf("ConnectStreamTwiML() error = %v", err)
	}
	out := string(doc)
	for _, want := range []string{
		"<Response>",
		`<Stream url="wss://example.org/twilio/media-stream">`,
		`<Parameter name="callee" value="+15550002222">`,
		`<Parameter name="caller" value="+15550001111">`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("twiml missing %q:\n%s", want, out)
		}
	}
}

func TestConnectStreamTwiMLWithSay(t *testing.T) {
	doc, err := ConnectStreamTwiML("wss://example.org/ms", "One moment.", nil)
	if err != nil {
		t.Fatalf("ConnectStreamTwiML() error = %v", err)
	}
	if !strings.Contains(string(doc), "<Say>One moment.</Say>") {
		t.Fatalf("twiml missing say:\n%s", doc)
	}
}

func TestRejectTwiML(t *testing.T) {
	doc, err := RejectTwiML("")
	if err != nil {
		t.Fatalf("RejectTwiML() error = %v", err)
	}
	if !strings.Contains(string(doc), "<Say>") {
		t.Fatalf("twiml missing say:\n%s", doc)
	}
}
