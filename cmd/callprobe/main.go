// Command callprobe drives the media-stream endpoint the way Twilio would:
// it performs the connected/start handshake with a synthetic call SID, streams
// mu-law audio frames at wire pace, echoes playback marks, and reports the
// assistant audio it hears back with first-audio timing.
package main

import (
	"encoding/base64"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gcaracciolo/juniper/internal/audio"
	"github.com/gcaracciolo/juniper/internal/twilio"
)

const (
	frameMS       = 20
	frameBytes    = 160 // 8 kHz mu-law, 20 ms
	sampleRate    = 8000
	quietWindow   = 1200 * time.Millisecond
	toneFrequency = 440.0
)

type options struct {
	baseURL     string
	callSID     string
	caller      string
	wavPath     string
	turns       int
	utteranceMS int
	turnTimeout time.Duration
	verbose     bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "Juniper base URL")
	flag.StringVar(&cfg.callSID, "call-sid", "", "call SID for the synthetic call (generated when empty)")
	flag.StringVar(&cfg.caller, "caller", "+15550006666", "caller number passed as a stream parameter")
	flag.StringVar(&cfg.wavPath, "wav", "", "8 kHz mono PCM16 WAV to replay as caller speech (tone when empty)")
	flag.IntVar(&cfg.turns, "turns", 3, "number of caller utterances to stream")
	flag.IntVar(&cfg.utteranceMS, "utterance-ms", 1500, "generated tone length per utterance in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for assistant audio per turn in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print probe progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.utteranceMS < frameMS {
		return options{}, fmt.Errorf("utterance-ms must be at least %d", frameMS)
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	if cfg.callSID == "" {
		cfg.callSID = "CAprobe" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	return cfg, nil
}

// probeConn serializes writes; the main loop streams media while the read
// loop echoes marks.
type probeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *probeConn) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteJSON(v)
}

func run(cfg options) error {
	frames, err := loadFrames(cfg)
	if err != nil {
		return err
	}

	wsURL, err := streamURL(cfg.baseURL)
	if err != nil {
		return err
	}
	raw, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer raw.Close()
	conn := &probeConn{conn: raw}

	streamSID := "MZprobe" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	if err := handshake(conn, cfg, streamSID); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("callprobe: call=%s stream=%s frames_per_turn=%d\n", cfg.callSID, streamSID, len(frames))
	}

	mediaCh := make(chan int, 1024)
	readErrCh := make(chan error, 1)
	go readLoop(raw, conn, streamSID, mediaCh, readErrCh, cfg.verbose)

	startedAt := time.Now()
	for turn := 1; turn <= cfg.turns; turn++ {
		if err := sendUtterance(conn, streamSID, frames); err != nil {
			return fmt.Errorf("turn %d send audio: %w", turn, err)
		}
		stats, err := awaitAssistantAudio(mediaCh, readErrCh, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await assistant audio: %w", turn, err)
		}
		if cfg.verbose {
			fmt.Printf("callprobe: turn %d/%d first_audio=%s frames=%d audio=%s\n",
				turn, cfg.turns, stats.firstAudio.Round(time.Millisecond),
				stats.frames, stats.audio.Round(time.Millisecond))
		}
	}

	if err := conn.writeJSON(twilio.Stop{
		Event:     twilio.EventStop,
		StreamSID: streamSID,
		Stop:      twilio.StopFrame{CallSID: cfg.callSID},
	}); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}

	if cfg.verbose {
		fmt.Printf("callprobe: completed %d turns in %s\n", cfg.turns, time.Since(startedAt).Round(time.Millisecond))
	}
	return nil
}

func handshake(conn *probeConn, cfg options, streamSID string) error {
	if err := conn.writeJSON(twilio.Connected{
		Event:    twilio.EventConnected,
		Protocol: "Call",
		Version:  "1.0.0",
	}); err != nil {
		return err
	}
	return conn.writeJSON(twilio.Start{
		Event:     twilio.EventStart,
		StreamSID: streamSID,
		Start: twilio.StartFrame{
			AccountSID: "ACprobe",
			CallSID:    cfg.callSID,
			StreamSID:  streamSID,
			Tracks:     []string{"inbound"},
			MediaFormat: twilio.MediaFormat{
				Encoding:   "audio/x-mulaw",
				SampleRate: sampleRate,
				Channels:   1,
			},
			CustomParameters: map[string]string{
				"caller": cfg.caller,
				"callee": "+15550007777",
			},
		},
	})
}

// readLoop consumes server frames. Marks are echoed straight back, standing
// in for Twilio's playback acknowledgment; media frames report their duration
// on mediaCh.
func readLoop(raw *websocket.Conn, conn *probeConn, streamSID string,
	mediaCh chan<- int, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		parsed, err := twilio.ParseStreamMessage(data)
		if err != nil {
			continue
		}
		switch m := parsed.(type) {
		case twilio.Media:
			decoded, err := base64.StdEncoding.DecodeString(m.Media.Payload)
			if err != nil {
				continue
			}
			select {
			case mediaCh <- len(decoded) / 8:
			default:
			}
		case twilio.Mark:
			if err := conn.writeJSON(twilio.OutboundMark(streamSID, m.Mark.Name)); err != nil {
				select {
				case readErrCh <- err:
				default:
				}
				return
			}
		case twilio.Clear:
			if verbose {
				fmt.Println("callprobe: received clear (playback flushed)")
			}
		}
	}
}

func sendUtterance(conn *probeConn, streamSID string, frames [][]byte) error {
	for _, frame := range frames {
		payload := base64.StdEncoding.EncodeToString(frame)
		if err := conn.writeJSON(twilio.OutboundMedia(streamSID, payload)); err != nil {
			return err
		}
		time.Sleep(frameMS * time.Millisecond)
	}
	return nil
}

type turnStats struct {
	firstAudio time.Duration
	frames     int
	audio      time.Duration
}

// awaitAssistantAudio waits for the assistant's reply: first media frame
// within the timeout, then frames until the stream goes quiet.
func awaitAssistantAudio(mediaCh <-chan int, readErrCh <-chan error, timeout time.Duration) (turnStats, error) {
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var stats turnStats
	select {
	case ms := <-mediaCh:
		stats.firstAudio = time.Since(start)
		stats.frames = 1
		stats.audio = time.Duration(ms) * time.Millisecond
	case err := <-readErrCh:
		return turnStats{}, err
	case <-timer.C:
		return turnStats{}, fmt.Errorf("timeout after %s", timeout)
	}

	for {
		quiet := time.NewTimer(quietWindow)
		select {
		case ms := <-mediaCh:
			quiet.Stop()
			stats.frames++
			stats.audio += time.Duration(ms) * time.Millisecond
		case err := <-readErrCh:
			quiet.Stop()
			return turnStats{}, err
		case <-quiet.C:
			return stats, nil
		}
	}
}

// loadFrames builds the caller-side utterance as 20 ms mu-law frames, either
// from a WAV file or a generated tone.
func loadFrames(cfg options) ([][]byte, error) {
	var mulaw []byte
	if cfg.wavPath != "" {
		raw, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return nil, fmt.Errorf("read wav: %w", err)
		}
		pcm, rate, err := audio.DecodeWAVPCM16LE(raw)
		if err != nil {
			return nil, fmt.Errorf("decode wav: %w", err)
		}
		if rate != sampleRate {
			return nil, fmt.Errorf("wav sample rate %d, want %d", rate, sampleRate)
		}
		mulaw = audio.MulawEncode(pcm)
	} else {
		mulaw = audio.MulawEncode(tonePCM(cfg.utteranceMS))
	}

	if len(mulaw) < frameBytes {
		return nil, fmt.Errorf("utterance shorter than one frame")
	}
	frames := make([][]byte, 0, len(mulaw)/frameBytes)
	for off := 0; off+frameBytes <= len(mulaw); off += frameBytes {
		frames = append(frames, mulaw[off:off+frameBytes])
	}
	return frames, nil
}

func tonePCM(durationMS int) []byte {
	samples := sampleRate * durationMS / 1000
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(9000 * math.Sin(2*math.Pi*toneFrequency*float64(i)/sampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func streamURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/twilio/media-stream"
	return u.String(), nil
}
