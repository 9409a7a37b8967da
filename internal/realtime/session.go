package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrTransportClosed is returned by commands issued after the session has
// terminally closed; queuing only happens before the first open.
var ErrTransportClosed = errors.New("realtime transport closed")

// Conn is the subset of the websocket connection the session uses, injected
// so tests can run against a fake transport.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens the model transport.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

func gorillaDialer(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime transport: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial realtime transport: %w", err)
	}
	return conn, nil
}

// Callbacks are invoked from the session's read loop, one at a time.
type Callbacks struct {
	OnOpen           func()
	OnEvent          func(event ServerEvent, raw []byte)
	OnAssistantAudio func(itemID, deltaB64 string)
	OnAssistantText  func(delta string)
	OnToolCalls      func(calls []ToolCall)
	OnTurnDone       func(resp *Response)
	OnSpeechStarted  func()
	OnSpeechStopped  func()
	OnClose          func(err error)
	OnError          func(err error)
}

type Config struct {
	URL    string
	APIKey string
	// Params is the initialization payload transmitted first thing on open,
	// before any queued message flushes.
	Params SessionParams
	Dialer Dialer
	Logger *zap.Logger
}

type sessionState int

const (
	statePending sessionState = iota // not yet opened; sends queue
	stateOpen
	stateClosed // terminal; sends fail
)

// Session owns one connection to the realtime speech model.
type Session struct {
	cfg       Config
	callbacks Callbacks
	logger    *zap.Logger

	mu          sync.Mutex
	state       sessionState
	conn        Conn
	pending     [][]byte // serialized events awaiting transport-open, FIFO
	readStarted bool

	readDone chan struct{}
}

func NewSession(cfg Config, callbacks Callbacks) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = gorillaDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger,
		readDone:  make(chan struct{}),
	}
}

// Open dials the transport, transmits the initialization parameters, flushes
// the pending queue in insertion order, and starts the read loop.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != statePending {
		s.mu.Unlock()
		return fmt.Errorf("open: %w", ErrTransportClosed)
	}
	s.mu.Unlock()

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
		header.Set("OpenAI-Beta", "realtime=v1")
	}
	conn, err := s.cfg.Dialer(ctx, s.cfg.URL, header)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != statePending {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("open: %w", ErrTransportClosed)
	}
	s.conn = conn
	s.state = stateOpen
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	init := sessionUpdateEvent{Type: TypeSessionUpdate, Session: s.cfg.Params}
	if err := conn.WriteJSON(init); err != nil {
		s.teardown(fmt.Errorf("send session init: %w", err))
		return err
	}
	for _, raw := range queued {
		if err := conn.WriteJSON(json.RawMessage(raw)); err != nil {
			s.teardown(fmt.Errorf("flush pending queue: %w", err))
			return err
		}
	}

	if s.callbacks.OnOpen != nil {
		s.callbacks.OnOpen()
	}
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return ErrTransportClosed
	}
	s.readStarted = true
	s.mu.Unlock()
	go s.readLoop(conn)
	return nil
}

// Send serializes an event and transmits it immediately if the transport is
// open; before the first open it joins the pending queue. After a terminal
// close it fails with ErrTransportClosed.
func (s *Session) Send(event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	switch s.state {
	case statePending:
		s.pending = append(s.pending, raw)
		s.mu.Unlock()
		return nil
	case stateClosed:
		s.mu.Unlock()
		return ErrTransportClosed
	}
	conn := s.conn
	s.mu.Unlock()

	// gorilla permits one concurrent writer; the session serializes writes
	// under its own lock-free single-caller contract: all commands for one
	// call come from that call's relay loop.
	if err := conn.WriteJSON(json.RawMessage(raw)); err != nil {
		s.teardown(fmt.Errorf("write event: %w", err))
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// PendingCount reports queued, not-yet-flushed messages.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// AppendAudio streams base64 call audio into the model's input buffer.
func (s *Session) AppendAudio(audioB64 string) error {
	return s.Send(audioAppendEvent{Type: TypeInputAudioAppend, Audio: audioB64})
}

// RequestTurn asks the model to produce a response now.
func (s *Session) RequestTurn() error {
	return s.Send(responseCreateEvent{Type: TypeResponseCreate})
}

// RequestTurnWithInstructions asks for a response steered by one-off
// instructions (used for the scripted greeting).
func (s *Session) RequestTurnWithInstructions(instructions string) error {
	return s.Send(responseCreateEvent{
		Type:     TypeResponseCreate,
		Response: &responseParams{Instructions: instructions},
	})
}

// CancelResponse interrupts the in-flight model response.
func (s *Session) CancelResponse() error {
	return s.Send(responseCancelEvent{Type: TypeResponseCancel})
}

// TruncateItem drops already-generated audio past audioEndMs from the given
// assistant item, aligning the model's view with what the caller heard.
func (s *Session) TruncateItem(itemID string, audioEndMs int) error {
	return s.Send(itemTruncateEvent{
		Type:       TypeItemTruncate,
		ItemID:     itemID,
		AudioEndMs: audioEndMs,
	})
}

// CreateUserText injects a user message item.
func (s *Session) CreateUserText(text string) error {
	return s.Send(itemCreateEvent{
		Type: TypeItemCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	})
}

// SendToolOutput returns a capability result (or structured failure) for the
// given invocation identifier as a turn continuation.
func (s *Session) SendToolOutput(callID, output string) error {
	return s.Send(itemCreateEvent{
		Type: TypeItemCreate,
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// UpdateParameters applies a partial session reconfiguration.
func (s *Session) UpdateParameters(partial SessionParams) error {
	return s.Send(sessionUpdateEvent{Type: TypeSessionUpdate, Session: partial})
}

// Close tears the transport down. Idempotent; the pending queue is discarded
// and never replayed.
func (s *Session) Close() error {
	s.teardown(nil)
	return nil
}

// Done is closed once the read loop has exited (or was never started on a
// pre-open close).
func (s *Session) Done() <-chan struct{} {
	return s.readDone
}

func (s *Session) teardown(cause error) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	conn := s.conn
	s.conn = nil
	s.pending = nil
	readStarted := s.readStarted
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !readStarted {
		close(s.readDone)
	}
	if cause != nil && s.callbacks.OnError != nil {
		s.callbacks.OnError(cause)
	}
	if s.callbacks.OnClose != nil {
		s.callbacks.OnClose(cause)
	}
}

func (s *Session) readLoop(conn Conn) {
	defer close(s.readDone)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.state == stateClosed
			s.mu.Unlock()
			if closed {
				return
			}
			s.teardown(fmt.Errorf("read model event: %w", err))
			return
		}
		s.handleRaw(raw)
	}
}

func (s *Session) handleRaw(raw []byte) {
	event, err := decodeServerEvent(raw)
	if err != nil {
		s.logger.Warn("undecodable model event", zap.Error(err))
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(fmt.Errorf("decode model event: %w", err))
		}
		return
	}

	if s.callbacks.OnEvent != nil {
		s.callbacks.OnEvent(event, raw)
	}

	switch event.Type {
	case TypeAudioDelta:
		if s.callbacks.OnAssistantAudio != nil {
			s.callbacks.OnAssistantAudio(event.ItemID, event.Delta)
		}
	case TypeTextDelta:
		if s.callbacks.OnAssistantText != nil {
			s.callbacks.OnAssistantText(event.Delta)
		}
	case TypeTextDone:
		// Terminal text arrives via response.done as well; nothing to do.
	case TypeSpeechStarted:
		if s.callbacks.OnSpeechStarted != nil {
			s.callbacks.OnSpeechStarted()
		}
	case TypeSpeechStopped:
		if s.callbacks.OnSpeechStopped != nil {
			s.callbacks.OnSpeechStopped()
		}
	case TypeResponseDone:
		if calls := toolCallsOf(event.Response); len(calls) > 0 {
			if s.callbacks.OnToolCalls != nil {
				s.callbacks.OnToolCalls(calls)
			}
		}
		if s.callbacks.OnTurnDone != nil {
			s.callbacks.OnTurnDone(event.Response)
		}
	case TypeErrorEvent:
		if s.callbacks.OnError != nil {
			apiErr := event.Error
			if apiErr == nil {
				apiErr = &APIError{Type: "error", Message: "model error"}
			}
			s.callbacks.OnError(fmt.Errorf("model error event: %w", apiErr))
		}
	}
}
