// Package realtime owns the websocket connection to the hosted speech
// model's realtime API: outbound command serialization, inbound event
// translation, and the pending queue that buffers commands issued before the
// transport opens.
package realtime

import (
	"encoding/json"

	"github.com/gcaracciolo/juniper/internal/capability"
)

// Outbound event kinds.
const (
	TypeSessionUpdate       = "session.update"
	TypeInputAudioAppend    = "input_audio_buffer.append"
	TypeItemCreate          = "conversation.item.create"
	TypeItemTruncate        = "conversation.item.truncate"
	TypeResponseCreate      = "response.create"
	TypeResponseCancel      = "response.cancel"
)

// Inbound event kinds the session reacts to. Everything else passes through
// the raw OnEvent callback untouched.
const (
	TypeSessionCreated     = "session.created"
	TypeAudioDelta         = "response.output_audio.delta"
	TypeTextDelta          = "response.output_text.delta"
	TypeTextDone           = "response.output_text.done"
	TypeResponseDone       = "response.done"
	TypeSpeechStarted      = "input_audio_buffer.speech_started"
	TypeSpeechStopped      = "input_audio_buffer.speech_stopped"
	TypeErrorEvent         = "error"
)

// TurnDetection configures the model's own voice-activity turn taking.
// A nil pointer in SessionParams leaves the server default untouched.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool   `json:"create_response,omitempty"`
}

// AutomaticTurnDetection lets the model both detect speech and respond on
// its own. Used while the assistant delivers the greeting.
func AutomaticTurnDetection() *TurnDetection {
	return &TurnDetection{Type: "server_vad", Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500}
}

// ManualTurnDetection keeps server VAD running for speech start/stop events
// but withholds automatic responses; the caller of the session decides when
// to request a turn.
func ManualTurnDetection() *TurnDetection {
	off := false
	return &TurnDetection{Type: "server_vad", Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500, CreateResponse: &off}
}

// SessionParams is the (partial) session configuration sent in
// session.update. Zero fields are omitted so partial updates stay partial.
type SessionParams struct {
	Modalities        []string             `json:"modalities,omitempty"`
	Instructions      string               `json:"instructions,omitempty"`
	Voice             string               `json:"voice,omitempty"`
	InputAudioFormat  string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat string               `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection       `json:"turn_detection,omitempty"`
	Tools             []capability.ToolDef `json:"tools,omitempty"`
	ToolChoice        string               `json:"tool_choice,omitempty"`
	Temperature       float64              `json:"temperature,omitempty"`
}

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type itemTruncateEvent struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

type responseCreateEvent struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type responseCancelEvent struct {
	Type string `json:"type"`
}

// ServerEvent is the decoded superset of inbound event shapes.
type ServerEvent struct {
	Type     string    `json:"type"`
	EventID  string    `json:"event_id,omitempty"`
	ItemID   string    `json:"item_id,omitempty"`
	Delta    string    `json:"delta,omitempty"`
	Text     string    `json:"text,omitempty"`
	Response *Response `json:"response,omitempty"`
	Error    *APIError `json:"error,omitempty"`
}

type Response struct {
	ID     string       `json:"id,omitempty"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output,omitempty"`
}

type OutputItem struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type APIError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Type
}

// ToolCall is one function-call item extracted from a completed turn.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
	ItemID    string
}

// toolCallsOf extracts every function-call item from a completed response.
// Taking all of them, not just output[0], keeps a turn that emits several
// invocations from silently stranding the later ones.
func toolCallsOf(resp *Response) []ToolCall {
	if resp == nil {
		return nil
	}
	var calls []ToolCall
	for _, item := range resp.Output {
		if item.Type != "function_call" {
			continue
		}
		id := item.CallID
		if id == "" {
			id = item.ID
		}
		calls = append(calls, ToolCall{
			ID:        id,
			Name:      item.Name,
			Arguments: item.Arguments,
			ItemID:    item.ID,
		})
	}
	return calls
}

func decodeServerEvent(raw []byte) (ServerEvent, error) {
	var event ServerEvent
	err := json.Unmarshal(raw, &event)
	return event, err
}
