package app

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/gcaracciolo/juniper/internal/callstore"
	"github.com/gcaracciolo/juniper/internal/capability"
	"github.com/gcaracciolo/juniper/internal/config"
	"github.com/gcaracciolo/juniper/internal/httpapi"
	"github.com/gcaracciolo/juniper/internal/micstate"
	"github.com/gcaracciolo/juniper/internal/observability"
	"github.com/gcaracciolo/juniper/internal/realtime"
	"github.com/gcaracciolo/juniper/internal/relay"
	"github.com/gcaracciolo/juniper/internal/session"
	"github.com/gcaracciolo/juniper/internal/twilio"
)

// Bridge builds the model leg for each accepted media stream: it registers
// the call, dials the realtime model with the capability toolset, and hands
// back a relay wired between the two transports.
type Bridge struct {
	cfg        config.Config
	registry   *capability.Registry
	dispatcher *capability.Dispatcher
	store      callstore.Store
	sessions   *session.Manager
	metrics    *observability.Metrics
	log        *zap.Logger

	dialer realtime.Dialer
}

func NewBridge(cfg config.Config, registry *capability.Registry, dispatcher *capability.Dispatcher,
	store callstore.Store, sessions *session.Manager, metrics *observability.Metrics, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		store:      store,
		sessions:   sessions,
		metrics:    metrics,
		log:        logger,
	}
}

// SetDialer overrides the model transport dialer; tests substitute a fake.
func (b *Bridge) SetDialer(d realtime.Dialer) { b.dialer = d }

func (b *Bridge) StartCall(ctx context.Context, start twilio.StartFrame, out relay.CallTransport) (httpapi.CallRelay, error) {
	caller := start.CustomParameters["caller"]
	callee := start.CustomParameters["callee"]

	b.sessions.Start(start.CallSID, start.StreamSID, caller, callee, b.cfg.InitialMicMode)

	rl := relay.New(relay.Config{
		CallSID:           start.CallSID,
		StreamSID:         start.StreamSID,
		Caller:            caller,
		Callee:            callee,
		GreetingPrompt:    b.cfg.GreetingPrompt,
		InitialMicMode:    micstate.Mode(b.cfg.InitialMicMode),
		MicDebounceWindow: b.cfg.MicDebounceWindow,
		HoldThreshold:     b.cfg.HoldAudioThreshold,
		MaxUnackedMarks:   b.cfg.MaxUnackedFrames,
	}, relay.Deps{
		Call:       out,
		Dispatcher: b.dispatcher,
		Store:      b.store,
		Sessions:   b.sessions,
		Metrics:    b.metrics,
		Logger:     b.log,
	})

	sess := realtime.NewSession(realtime.Config{
		URL:    b.modelURL(),
		APIKey: b.cfg.OpenAIAPIKey,
		Params: b.sessionParams(),
		Dialer: b.dialer,
		Logger: b.log,
	}, rl.ModelCallbacks())
	rl.BindModel(sess)

	if err := sess.Open(ctx); err != nil {
		_, _ = b.sessions.End(start.CallSID, "model_dial_failed")
		return nil, fmt.Errorf("dialing speech model: %w", err)
	}
	return rl, nil
}

// sessionParams is the initial model configuration. Turn detection starts
// automatic so the greeting flows unprompted; the relay switches it to manual
// once the greeting turn completes.
func (b *Bridge) sessionParams() realtime.SessionParams {
	return realtime.SessionParams{
		Modalities:        []string{"text", "audio"},
		Instructions:      b.cfg.Instructions,
		Voice:             b.cfg.Voice,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		TurnDetection:     realtime.AutomaticTurnDetection(),
		Tools:             b.registry.ToolDefs(),
		ToolChoice:        "auto",
		Temperature:       b.cfg.Temperature,
	}
}

func (b *Bridge) modelURL() string {
	return b.cfg.RealtimeURL + "?model=" + url.QueryEscape(b.cfg.RealtimeModel)
}
