package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gcaracciolo/juniper/internal/micstate"
	"github.com/gcaracciolo/juniper/internal/policy"
)

// Capability names with relay-level ordering significance: within one model
// turn a mode toggle dispatches first and a call termination last.
const (
	NameUpdateMode  = "update_mode"
	NameEndCall     = "end_call"
	NameCurrentTime = "current_time"
	NameSendMessage = "send_message"
)

type updateModeParams struct {
	Mode string `json:"mode" jsonschema:"enum=near_field,enum=far_field,description=Target audio-processing mode for the caller's microphone path"`
}

type endCallParams struct {
	Reason string `json:"reason,omitempty" jsonschema:"description=Short reason for ending the call"`
}

type sendMessageParams struct {
	To   string `json:"to" jsonschema:"description=Destination phone number in E.164 form"`
	Body string `json:"body" jsonschema:"description=Message text"`
}

// Builtins returns the capabilities every deployment registers. Additional
// executors (search, email, navigation) register alongside these at wiring
// time.
func Builtins() []Capability {
	return []Capability{
		{
			Declaration: Declaration{
				Name:        NameUpdateMode,
				Description: "Switch the caller's audio-processing mode between near_field and far_field.",
				Parameters:  updateModeParams{},
			},
			Execute: executeUpdateMode,
		},
		{
			Declaration: Declaration{
				Name:        NameEndCall,
				Description: "Hang up the call after the current response finishes.",
				Parameters:  endCallParams{},
			},
			Execute: executeEndCall,
		},
		{
			Declaration: Declaration{
				Name:        NameCurrentTime,
				Description: "Get the current date and time.",
			},
			Execute: executeCurrentTime,
		},
		{
			Declaration: Declaration{
				Name:        NameSendMessage,
				Description: "Send a text message on the caller's behalf.",
				Parameters:  sendMessageParams{},
			},
			Execute: executeSendMessage,
		},
	}
}

func executeUpdateMode(_ context.Context, args map[string]any, call *Context) (any, error) {
	mode, _ := args["mode"].(string)
	mode = strings.TrimSpace(mode)
	if mode == "" {
		return nil, errors.New("mode is required")
	}
	if call == nil || call.Mic == nil {
		return nil, errors.New("no mic state for this call")
	}

	decision, err := call.Mic.Request(micstate.Mode(mode), call.now())
	if err != nil {
		return nil, err
	}
	if decision.Applied && call.ApplyMode != nil {
		call.ApplyMode(decision.Mode)
	}
	return decision, nil
}

func executeEndCall(_ context.Context, args map[string]any, call *Context) (any, error) {
	reason, _ := args["reason"].(string)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "assistant_ended"
	}
	if call == nil || call.EndCall == nil {
		return nil, errors.New("call termination is not available")
	}
	call.EndCall(reason)
	return map[string]any{"status": "ending", "reason": reason}, nil
}

func executeCurrentTime(_ context.Context, _ map[string]any, call *Context) (any, error) {
	now := call.now()
	return map[string]any{
		"time":     now.Format(time.RFC3339),
		"weekday":  now.Weekday().String(),
		"timezone": now.Format("MST"),
	}, nil
}

func executeSendMessage(ctx context.Context, args map[string]any, call *Context) (any, error) {
	to, _ := args["to"].(string)
	body, _ := args["body"].(string)
	to = strings.TrimSpace(to)
	body = strings.TrimSpace(body)
	if to == "" || body == "" {
		return nil, errors.New("to and body are required")
	}
	if call == nil || call.RecordMessage == nil {
		return nil, errors.New("messaging is not available")
	}
	if decision := policy.DecideOutboundMessage(to, body); decision.Blocked {
		return map[string]any{"status": "blocked", "reason": decision.Reason}, nil
	}
	if err := call.RecordMessage(ctx, to, body); err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}
	return map[string]any{"status": "queued", "to": to}, nil
}
