package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gcaracciolo/juniper/internal/callstore"
	"github.com/gcaracciolo/juniper/internal/config"
	"github.com/gcaracciolo/juniper/internal/observability"
	"github.com/gcaracciolo/juniper/internal/relay"
	"github.com/gcaracciolo/juniper/internal/session"
	"github.com/gcaracciolo/juniper/internal/twilio"
)

func newTestServer(t *testing.T, cfg config.Config, store callstore.Store, bridge Bridge) *httptest.Server {
	t.Helper()
	if store == nil {
		store = callstore.NewInMemoryStore()
	}
	sessions := session.NewManager(2 * time.Minute)
	srv := New(cfg, sessions, store, bridge, nil, zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestVoiceWebhookRendersConnectStream(t *testing.T) {
	cfg := config.Config{PublicHost: "juniper.example.com"}
	ts := newTestServer(t, cfg, nil, nil)

	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("From", "+15551230001")
	form.Set("To", "+15551230002")

	res, err := http.PostForm(ts.URL+"/twilio/voice", form)
	if err != nil {
		t.Fatalf("webhook request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("Content-Type = %q, want %q", ct, "text/xml")
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	doc := string(body)
	if !strings.Contains(doc, "wss://juniper.example.com/twilio/media-stream") {
		t.Fatalf("twiml missing stream url: %s", doc)
	}
	if !strings.Contains(doc, `name="caller" value="+15551230001"`) {
		t.Fatalf("twiml missing caller parameter: %s", doc)
	}
}

func TestVoiceWebhookMissingCallSid(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil, nil)

	res, err := http.PostForm(ts.URL+"/twilio/voice", url.Values{"From": {"+15550001111"}})
	if err != nil {
		t.Fatalf("webhook request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("webhook status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestPerfLatencyWithoutMetrics(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil, nil)

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var snap observability.TurnStageSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if snap.WindowSize != 0 || len(snap.Stages) != 0 {
		t.Fatalf("snapshot = %+v, want empty window", snap)
	}
}

func TestVoiceWebhookRejectsAtCapacity(t *testing.T) {
	cfg := config.Config{PublicHost: "juniper.example.com", MaxConcurrentCalls: 1}
	sessions := session.NewManager(2 * time.Minute)
	sessions.Start("CA900", "MZ900", "+15550009999", "+15550008888", "near_field")
	srv := New(cfg, sessions, callstore.NewInMemoryStore(), nil, nil, zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	form := url.Values{}
	form.Set("CallSid", "CA901")
	form.Set("From", "+15551230001")

	res, err := http.PostForm(ts.URL+"/twilio/voice", form)
	if err != nil {
		t.Fatalf("webhook request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	doc := string(body)
	if !strings.Contains(doc, "<Say>") {
		t.Fatalf("reject twiml missing Say verb: %s", doc)
	}
	if strings.Contains(doc, "<Connect>") {
		t.Fatalf("at-capacity call must not connect a stream: %s", doc)
	}
}

func TestVoiceWebhookSignatureValidation(t *testing.T) {
	cfg := config.Config{PublicHost: "juniper.example.com", TwilioAuthToken: "tok-123"}
	ts := newTestServer(t, cfg, nil, nil)

	form := url.Values{}
	form.Set("CallSid", "CA200")
	form.Set("From", "+15551230001")

	post := func(sig string) int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/twilio/voice",
			strings.NewReader(form.Encode()))
		if err != nil {
			t.Fatalf("building request: %v", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if sig != "" {
			req.Header.Set("X-Twilio-Signature", sig)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("webhook request error = %v", err)
		}
		res.Body.Close()
		return res.StatusCode
	}

	if got := post(""); got != http.StatusForbidden {
		t.Fatalf("unsigned webhook status = %d, want %d", got, http.StatusForbidden)
	}
	if got := post("bogus"); got != http.StatusForbidden {
		t.Fatalf("bad-signature webhook status = %d, want %d", got, http.StatusForbidden)
	}

	// Keys in lexical order: CallSid, From.
	payload := "https://juniper.example.com/twilio/voice" +
		"CallSid" + "CA200" + "From" + "+15551230001"
	mac := hmac.New(sha1.New, []byte("tok-123"))
	mac.Write([]byte(payload))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if got := post(sig); got != http.StatusOK {
		t.Fatalf("signed webhook status = %d, want %d", got, http.StatusOK)
	}
}

func TestCallLogEndpoints(t *testing.T) {
	store := callstore.NewInMemoryStore()
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	if err := store.StartCall(ctx, callstore.CallRecord{
		CallSID:   "CA300",
		StreamSID: "MZ300",
		Caller:    "+15551230001",
		StartedAt: started,
	}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	if err := store.FinishCall(ctx, "CA300", started.Add(30*time.Second), "caller_hangup", 1, "near_field"); err != nil {
		t.Fatalf("finishing seeded call: %v", err)
	}

	ts := newTestServer(t, config.Config{}, store, nil)

	res, err := http.Get(ts.URL + "/v1/calls")
	if err != nil {
		t.Fatalf("GET /v1/calls error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/calls status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var listing struct {
		Calls []callstore.CallRecord `json:"calls"`
	}
	if err := json.NewDecoder(res.Body).Decode(&listing); err != nil {
		t.Fatalf("decoding call list: %v", err)
	}
	if len(listing.Calls) != 1 || listing.Calls[0].CallSID != "CA300" {
		t.Fatalf("calls = %+v, want one record for CA300", listing.Calls)
	}

	detailRes, err := http.Get(ts.URL + "/v1/calls/CA300")
	if err != nil {
		t.Fatalf("GET /v1/calls/CA300 error = %v", err)
	}
	defer detailRes.Body.Close()
	if detailRes.StatusCode != http.StatusOK {
		t.Fatalf("detail status = %d, want %d", detailRes.StatusCode, http.StatusOK)
	}
	var detail callstore.CallDetail
	if err := json.NewDecoder(detailRes.Body).Decode(&detail); err != nil {
		t.Fatalf("decoding call detail: %v", err)
	}
	if detail.Call.EndReason != "caller_hangup" {
		t.Fatalf("EndReason = %q, want %q", detail.Call.EndReason, "caller_hangup")
	}

	missingRes, err := http.Get(ts.URL + "/v1/calls/CA999")
	if err != nil {
		t.Fatalf("GET missing call error = %v", err)
	}
	missingRes.Body.Close()
	if missingRes.StatusCode != http.StatusNotFound {
		t.Fatalf("missing call status = %d, want %d", missingRes.StatusCode, http.StatusNotFound)
	}

	badRes, err := http.Get(ts.URL + "/v1/calls?limit=zero")
	if err != nil {
		t.Fatalf("GET bad limit error = %v", err)
	}
	badRes.Body.Close()
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want %d", badRes.StatusCode, http.StatusBadRequest)
	}
}

type recordingRelay struct {
	out relay.CallTransport

	mu     sync.Mutex
	media  []string
	marks  []string
	digits []string

	stopOnce sync.Once
	stopped  chan struct{}
}

func newRecordingRelay(out relay.CallTransport) *recordingRelay {
	return &recordingRelay{out: out, stopped: make(chan struct{})}
}

// Run announces one media frame and one mark, then waits for stop.
func (f *recordingRelay) Run(ctx context.Context) error {
	if err := f.out.SendMedia("b3V0Ym91bmQ="); err != nil {
		return err
	}
	if err := f.out.SendMark("m-1"); err != nil {
		return err
	}
	select {
	case <-f.stopped:
	case <-ctx.Done():
	}
	return nil
}

func (f *recordingRelay) HandleMedia(payloadB64 string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, payloadB64)
}

func (f *recordingRelay) HandleMark(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
}

func (f *recordingRelay) HandleDTMF(digit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digits = append(f.digits, digit)
}

func (f *recordingRelay) HandleStop() {
	f.stopOnce.Do(func() { close(f.stopped) })
}

func (f *recordingRelay) snapshot() (media, marks, digits []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.media...),
		append([]string(nil), f.marks...),
		append([]string(nil), f.digits...)
}

type recordingBridge struct {
	mu    sync.Mutex
	start twilio.StartFrame
	relay *recordingRelay
}

func (b *recordingBridge) StartCall(_ context.Context, start twilio.StartFrame, out relay.CallTransport) (CallRelay, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = start
	b.relay = newRecordingRelay(out)
	return b.relay, nil
}

func (b *recordingBridge) startedRelay() (*recordingRelay, twilio.StartFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relay, b.start
}

func TestMediaStreamBridgesFrames(t *testing.T) {
	bridge := &recordingBridge{}
	ts := newTestServer(t, config.Config{}, nil, bridge)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/twilio/media-stream"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing media stream: %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	writeJSON := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("writing frame: %v", err)
		}
	}

	writeJSON(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	writeJSON(map[string]any{
		"event":     "start",
		"streamSid": "MZ400",
		"start": map[string]any{
			"accountSid": "AC1",
			"callSid":    "CA400",
			"streamSid":  "MZ400",
			"customParameters": map[string]string{
				"caller": "+15551230001",
				"callee": "+15551230002",
			},
		},
	})
	writeJSON(map[string]any{"event": "media", "media": map[string]any{"payload": "aW5ib3VuZA=="}})
	writeJSON(map[string]any{"event": "mark", "mark": map[string]any{"name": "g1-1"}})
	writeJSON(map[string]any{"event": "dtmf", "dtmf": map[string]any{"digit": "5"}})

	var outboundMedia, outboundMark map[string]any
	if err := conn.ReadJSON(&outboundMedia); err != nil {
		t.Fatalf("reading outbound media: %v", err)
	}
	if err := conn.ReadJSON(&outboundMark); err != nil {
		t.Fatalf("reading outbound mark: %v", err)
	}
	if outboundMedia["event"] != "media" || outboundMedia["streamSid"] != "MZ400" {
		t.Fatalf("outbound media = %+v, want media on MZ400", outboundMedia)
	}
	if outboundMark["event"] != "mark" {
		t.Fatalf("outbound mark = %+v, want mark event", outboundMark)
	}

	writeJSON(map[string]any{"event": "stop", "stop": map[string]any{"callSid": "CA400"}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		rl, start := bridge.startedRelay()
		if rl != nil {
			media, marks, digits := rl.snapshot()
			if len(media) == 1 && len(marks) == 1 && len(digits) == 1 {
				if media[0] != "aW5ib3VuZA==" {
					t.Fatalf("media payload = %q, want %q", media[0], "aW5ib3VuZA==")
				}
				if marks[0] != "g1-1" {
					t.Fatalf("mark = %q, want %q", marks[0], "g1-1")
				}
				if digits[0] != "5" {
					t.Fatalf("digit = %q, want %q", digits[0], "5")
				}
				if start.CallSID != "CA400" || start.CustomParameters["caller"] != "+15551230001" {
					t.Fatalf("start frame = %+v, want CA400 with caller parameter", start)
				}
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay never received the stream frames")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
