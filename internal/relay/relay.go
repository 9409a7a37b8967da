// Package relay owns the per-call bridge between the telephony media stream
// and the model-transport session: audio in both directions, turn taking,
// interruption, hold audio, and capability dispatch.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gcaracciolo/juniper/internal/audio"
	"github.com/gcaracciolo/juniper/internal/callstore"
	"github.com/gcaracciolo/juniper/internal/capability"
	"github.com/gcaracciolo/juniper/internal/holdaudio"
	"github.com/gcaracciolo/juniper/internal/micstate"
	"github.com/gcaracciolo/juniper/internal/observability"
	"github.com/gcaracciolo/juniper/internal/policy"
	"github.com/gcaracciolo/juniper/internal/realtime"
	"github.com/gcaracciolo/juniper/internal/reliability"
	"github.com/gcaracciolo/juniper/internal/session"
	"github.com/gcaracciolo/juniper/internal/toolargs"
)

// ModelSession is the slice of the model-transport session the relay drives.
// *realtime.Session satisfies it; tests substitute a fake.
type ModelSession interface {
	AppendAudio(audioB64 string) error
	RequestTurn() error
	RequestTurnWithInstructions(instructions string) error
	CancelResponse() error
	TruncateItem(itemID string, audioEndMs int) error
	CreateUserText(text string) error
	SendToolOutput(callID, output string) error
	UpdateParameters(partial realtime.SessionParams) error
	Close() error
}

// CallTransport sends frames back to the telephony leg of the call.
type CallTransport interface {
	SendMedia(payloadB64 string) error
	SendMark(name string) error
	SendClear() error
}

type State string

const (
	StateGreeting    State = "greeting"
	StateListening   State = "listening"
	StateSpeaking    State = "speaking"
	StateToolPending State = "tool_pending"
	StateEnded       State = "ended"
)

const (
	holdFrameInterval = 20 * time.Millisecond
	holdToneFrames    = 150 // 3s loop
	touchEveryFrames  = 50
	hangupGrace       = 10 * time.Second
)

type Config struct {
	CallSID   string
	StreamSID string
	Caller    string
	Callee    string

	GreetingPrompt    string
	InitialMicMode    micstate.Mode
	MicDebounceWindow time.Duration
	HoldThreshold     time.Duration
	MaxUnackedMarks   int
}

type Deps struct {
	Model      ModelSession
	Call       CallTransport
	Dispatcher *capability.Dispatcher
	Store      callstore.Store
	Sessions   *session.Manager
	Metrics    *observability.Metrics
	Logger     *zap.Logger

	// HoldTimer is injectable for tests; nil means time.AfterFunc.
	HoldTimer holdaudio.StartTimer
	Now       func() time.Time
}

// Relay is the single-goroutine event loop for one call. All state below is
// touched only from Run; transport callbacks post events into the loop.
type Relay struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	events chan any
	done   chan struct{}

	state   State
	mic     *micstate.State
	hold    *holdaudio.Machine
	capCtx  *capability.Context
	micMode micstate.Mode

	dispatched    map[string]bool
	pendingTools  int
	queuedTools   []realtime.ToolCall
	interruptions int

	// outbound pacing toward the call
	backlog     []outFrame
	ackQueue    []markInfo
	unacked     int
	markSeq     int
	playbackGen int

	currentItemID string
	ackedMs       int
	turnText      []byte

	turnActive      bool
	turnRequestedAt time.Time
	firstAudioSeen  bool
	greeted         bool

	endRequested bool
	endReason    string
	farewellDone bool
	hangupTimer  *time.Timer

	holdTick    <-chan time.Time
	holdTicker  *time.Ticker
	holdFrames  [][]byte
	holdFrameIx int

	inboundFrames int
	runErr        error
}

type outFrame struct {
	payload string
	ms      int
}

type markInfo struct {
	name string
	ms   int
}

// loop events
type (
	evModelAudio  struct{ itemID, delta string }
	evModelText   struct{ delta string }
	evToolCalls   struct{ calls []realtime.ToolCall }
	evTurnDone    struct{}
	evSpeechStart struct{}
	evSpeechStop  struct{}
	evModelClosed struct{ err error }
	evModelError  struct{ err error }
	evMedia       struct{ payload string }
	evMark        struct{ name string }
	evDTMF        struct{ digit string }
	evStop        struct{}
	evHoldTimer   struct{ gen int }
	evToolResult  struct {
		call    realtime.ToolCall
		output  string
		failed  bool
		latency time.Duration
	}
	evToolsDone   struct{}
	evModeApplied struct{ mode micstate.Mode }
	evEndPending  struct{ reason string }
	evHangupGrace struct{}
)

func New(cfg Config, deps Deps) *Relay {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.MaxUnackedMarks <= 0 {
		cfg.MaxUnackedMarks = 50
	}

	r := &Relay{
		cfg:        cfg,
		deps:       deps,
		log:        deps.Logger.With(zap.String("call_sid", cfg.CallSID)),
		now:        deps.Now,
		events:     make(chan any, 256),
		done:       make(chan struct{}),
		state:      StateGreeting,
		dispatched: make(map[string]bool),
		micMode:    cfg.InitialMicMode,
	}

	r.mic = micstate.New(cfg.InitialMicMode, nil)
	r.mic.SetWindow(cfg.MicDebounceWindow)
	r.hold = holdaudio.NewMachine(cfg.HoldThreshold, deps.HoldTimer,
		r.startHoldPlayback, r.stopHoldPlayback)

	r.capCtx = &capability.Context{
		CallSID: cfg.CallSID,
		Caller:  cfg.Caller,
		Callee:  cfg.Callee,
		Mic:     r.mic,
		ApplyMode: func(mode micstate.Mode) {
			r.post(evModeApplied{mode: mode})
		},
		EndCall: func(reason string) {
			r.post(evEndPending{reason: reason})
		},
		RecordMessage: r.recordMessage,
		Now:           deps.Now,
		Logger:        r.log,
	}
	return r
}

// BindModel attaches the model session after construction. The realtime
// session takes the relay's callbacks at dial time, so wiring happens in two
// steps. Must be called before Run.
func (r *Relay) BindModel(m ModelSession) { r.deps.Model = m }

// State reports the loop state; only meaningful from within the loop or
// after Run returns.
func (r *Relay) State() State { return r.state }

// CapabilityContext is the shared context handed to executors for this call.
func (r *Relay) CapabilityContext() *capability.Context { return r.capCtx }

// ModelCallbacks wires a realtime session's events into the loop.
func (r *Relay) ModelCallbacks() realtime.Callbacks {
	return realtime.Callbacks{
		OnAssistantAudio: func(itemID, deltaB64 string) {
			r.post(evModelAudio{itemID: itemID, delta: deltaB64})
		},
		OnAssistantText: func(delta string) { r.post(evModelText{delta: delta}) },
		OnToolCalls:     func(calls []realtime.ToolCall) { r.post(evToolCalls{calls: calls}) },
		OnTurnDone:      func(*realtime.Response) { r.post(evTurnDone{}) },
		OnSpeechStarted: func() { r.post(evSpeechStart{}) },
		OnSpeechStopped: func() { r.post(evSpeechStop{}) },
		OnClose:         func(err error) { r.post(evModelClosed{err: err}) },
		OnError:         func(err error) { r.post(evModelError{err: err}) },
	}
}

// HandleMedia forwards one inbound audio frame from the call.
func (r *Relay) HandleMedia(payloadB64 string) { r.post(evMedia{payload: payloadB64}) }

// HandleMark acknowledges a playback-completion marker from the call.
func (r *Relay) HandleMark(name string) { r.post(evMark{name: name}) }

func (r *Relay) HandleDTMF(digit string) { r.post(evDTMF{digit: digit}) }

// HandleStop signals the telephony leg closed the stream.
func (r *Relay) HandleStop() { r.post(evStop{}) }

func (r *Relay) post(ev any) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// Run drives the call until either transport closes, the assistant hangs up,
// or ctx is cancelled. It must be called exactly once.
func (r *Relay) Run(ctx context.Context) error {
	if r.deps.Store != nil {
		if err := r.deps.Store.StartCall(ctx, callstore.CallRecord{
			CallSID:   r.cfg.CallSID,
			StreamSID: r.cfg.StreamSID,
			Caller:    r.cfg.Caller,
			Callee:    r.cfg.Callee,
			StartedAt: r.now().UTC(),
		}); err != nil {
			r.log.Warn("start call record", zap.Error(err))
		}
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ActiveCalls.Inc()
		r.deps.Metrics.CallEvents.WithLabelValues("started").Inc()
	}

	// Scripted greeting; the session opened with automatic turn detection so
	// the model speaks on its own until the greeting turn completes.
	if err := r.deps.Model.RequestTurnWithInstructions(r.cfg.GreetingPrompt); err != nil {
		r.log.Warn("request greeting turn", zap.Error(err))
	}
	r.turnActive = true
	r.turnRequestedAt = r.now()

	for r.state != StateEnded {
		select {
		case <-ctx.Done():
			r.finish(ctx, "server_shutdown")
		case <-r.holdTick:
			r.sendHoldFrame()
		case ev := <-r.events:
			r.handle(ctx, ev)
		}
	}
	return r.runErr
}

func (r *Relay) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case evMedia:
		r.onMedia(ev.payload)
	case evMark:
		r.onMark(ctx, ev.name)
	case evModelAudio:
		r.onModelAudio(ev.itemID, ev.delta)
	case evModelText:
		r.turnText = append(r.turnText, ev.delta...)
	case evSpeechStart:
		r.onSpeechStart()
	case evSpeechStop:
		r.onSpeechStop()
	case evToolCalls:
		r.onToolCalls(ctx, ev.calls)
	case evToolResult:
		r.onToolResult(ctx, ev)
	case evToolsDone:
		r.onToolsDone(ctx)
	case evTurnDone:
		r.onTurnDone(ctx)
	case evModeApplied:
		r.micMode = ev.mode
		if r.deps.Sessions != nil {
			_ = r.deps.Sessions.SetMicMode(r.cfg.CallSID, string(ev.mode))
		}
		if r.deps.Metrics != nil {
			r.deps.Metrics.MicModeChanges.WithLabelValues(string(ev.mode), "applied").Inc()
		}
	case evEndPending:
		r.onEndPending(ev.reason)
	case evHoldTimer:
		r.hold.TimerFired(ev.gen)
	case evDTMF:
		r.onDTMF(ev.digit)
	case evStop:
		r.finish(ctx, "caller_hangup")
	case evModelClosed:
		r.onModelClosed(ctx, ev.err)
	case evModelError:
		r.onModelError(ctx, ev.err)
	case evHangupGrace:
		r.finish(ctx, r.endReason)
	}
}

// onModelClosed ends the call; there is no mid-call reconnect. The close code
// distinguishes transient transport loss from a deliberate close in the call
// record.
func (r *Relay) onModelClosed(ctx context.Context, err error) {
	reason := "model_closed"
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && reliability.IsRetryableCloseCode(closeErr.Code) {
		reason = "model_closed_transient"
	}
	if err != nil {
		r.log.Warn("model transport closed", zap.Error(err))
	}
	r.finish(ctx, reason)
}

// onModelError keeps the call alive through retryable model errors (rate
// limits, transient server trouble); the session stays open for those.
// Anything else ends the call before a broken turn reaches the caller.
func (r *Relay) onModelError(ctx context.Context, err error) {
	code := "decode"
	var apiErr *realtime.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		code = apiErr.Code
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ModelErrors.WithLabelValues(code).Inc()
	}
	if apiErr != nil && apiErr.Code != "" && !reliability.IsRetryableModelErrorCode(apiErr.Code) {
		r.log.Error("fatal model error", zap.Error(err))
		r.finish(ctx, "model_error")
		return
	}
	r.log.Warn("model error", zap.Error(err))
}

func (r *Relay) onMedia(payload string) {
	r.inboundFrames++
	if r.inboundFrames%touchEveryFrames == 1 && r.deps.Sessions != nil {
		_ = r.deps.Sessions.Touch(r.cfg.CallSID)
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.StreamMessages.WithLabelValues("in", "media").Inc()
	}
	if err := r.deps.Model.AppendAudio(payload); err != nil {
		if errors.Is(err, realtime.ErrTransportClosed) {
			return
		}
		r.log.Warn("append caller audio", zap.Error(err))
	}
}

func (r *Relay) onModelAudio(itemID, delta string) {
	if r.state == StateEnded {
		return
	}
	r.hold.ModelAudioStarted()
	if itemID != r.currentItemID {
		r.currentItemID = itemID
		r.ackedMs = 0
	}
	if r.state != StateSpeaking {
		r.state = StateSpeaking
	}
	if !r.firstAudioSeen && !r.turnRequestedAt.IsZero() {
		r.firstAudioSeen = true
		if r.deps.Metrics != nil {
			d := r.now().Sub(r.turnRequestedAt)
			r.deps.Metrics.ObserveFirstAudioLatency(d)
			r.deps.Metrics.ObserveTurnStage("turn_request_to_first_audio", d)
		}
	}
	r.sendOrQueue(outFrame{payload: delta, ms: b64MulawMs(delta)})
}

func (r *Relay) sendOrQueue(frame outFrame) {
	if r.unacked >= r.cfg.MaxUnackedMarks {
		r.backlog = append(r.backlog, frame)
		return
	}
	r.sendFrame(frame)
}

func (r *Relay) sendFrame(frame outFrame) {
	if err := r.deps.Call.SendMedia(frame.payload); err != nil {
		r.log.Warn("send media to call", zap.Error(err))
		return
	}
	r.markSeq++
	name := fmt.Sprintf("g%d-%d", r.playbackGen, r.markSeq)
	if err := r.deps.Call.SendMark(name); err != nil {
		r.log.Warn("send mark to call", zap.Error(err))
		return
	}
	r.ackQueue = append(r.ackQueue, markInfo{name: name, ms: frame.ms})
	r.unacked++
	if r.deps.Metrics != nil {
		r.deps.Metrics.StreamMessages.WithLabelValues("out", "media").Inc()
	}
}

func (r *Relay) onMark(ctx context.Context, name string) {
	prefix := fmt.Sprintf("g%d-", r.playbackGen)
	if len(name) < len(prefix) || name[:len(prefix)] != prefix {
		return // stale ack from a cleared generation
	}
	if r.unacked > 0 {
		r.unacked--
	}
	if len(r.ackQueue) > 0 && r.ackQueue[0].name == name {
		r.ackedMs += r.ackQueue[0].ms
		r.ackQueue = r.ackQueue[1:]
	}
	for len(r.backlog) > 0 && r.unacked < r.cfg.MaxUnackedMarks {
		frame := r.backlog[0]
		r.backlog = r.backlog[1:]
		r.sendFrame(frame)
	}
	r.maybeHangup(ctx)
}

func (r *Relay) onSpeechStart() {
	r.hold.CallerSpeechStarted()
	if r.deps.Sessions != nil {
		_ = r.deps.Sessions.Touch(r.cfg.CallSID)
	}
	if r.state != StateSpeaking {
		return
	}
	// Interruption is immediate: cancel the model's in-flight response at the
	// point the caller has actually heard, and drop everything queued.
	if err := r.deps.Model.CancelResponse(); err != nil {
		r.log.Warn("cancel response", zap.Error(err))
	}
	if r.currentItemID != "" {
		if err := r.deps.Model.TruncateItem(r.currentItemID, r.ackedMs); err != nil {
			r.log.Warn("truncate item", zap.Error(err))
		}
	}
	if err := r.deps.Call.SendClear(); err != nil {
		r.log.Warn("clear call audio", zap.Error(err))
	}
	r.backlog = nil
	r.ackQueue = nil
	r.unacked = 0
	r.playbackGen++
	r.turnActive = false
	r.interruptions++
	r.state = StateListening
	if r.deps.Sessions != nil {
		_ = r.deps.Sessions.Interrupt(r.cfg.CallSID)
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.Interruptions.Inc()
		r.deps.Metrics.ObserveTurnIndicator("barge_in")
	}
}

func (r *Relay) onSpeechStop() {
	r.hold.CallerSpeechEnded()
	if r.state != StateListening || r.turnActive || r.endRequested {
		return
	}
	// Manual turn taking: the model stays quiet until asked.
	start := r.now()
	if err := r.deps.Model.RequestTurn(); err != nil {
		r.log.Warn("request turn", zap.Error(err))
		return
	}
	r.turnActive = true
	r.turnRequestedAt = start
	r.firstAudioSeen = false
	if r.deps.Metrics != nil {
		r.deps.Metrics.ObserveTurnStage("speech_stopped_to_turn_request", r.now().Sub(start))
	}
}

func (r *Relay) onToolCalls(ctx context.Context, calls []realtime.ToolCall) {
	fresh := make([]realtime.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.ID == "" || r.dispatched[call.ID] {
			continue // at most one dispatch per invocation ID per call
		}
		r.dispatched[call.ID] = true
		fresh = append(fresh, call)
	}
	if len(fresh) == 0 {
		return
	}

	orderToolCalls(fresh)
	if r.deps.Metrics != nil {
		for _, call := range fresh {
			r.deps.Metrics.ToolDispatches.WithLabelValues(call.Name, "pending").Inc()
		}
	}

	// One worker at a time per call: a batch arriving while a worker is still
	// running waits for it, so capability executors never run concurrently.
	if r.pendingTools > 0 {
		r.queuedTools = append(r.queuedTools, fresh...)
		return
	}

	r.state = StateToolPending
	r.pendingTools = len(fresh)
	r.hold.CapabilityStarted(func(gen int) { r.post(evHoldTimer{gen: gen}) })
	go r.dispatchTools(ctx, fresh)
}

func (r *Relay) dispatchTools(ctx context.Context, calls []realtime.ToolCall) {
	for _, call := range calls {
		started := r.now()
		output, failed := r.runTool(ctx, call)
		r.post(evToolResult{
			call:    call,
			output:  output,
			failed:  failed,
			latency: r.now().Sub(started),
		})
	}
	r.post(evToolsDone{})
}

func (r *Relay) runTool(ctx context.Context, call realtime.ToolCall) (output string, failed bool) {
	args, err := toolargs.Normalize(call.Arguments)
	if err != nil {
		r.log.Warn("normalize tool arguments",
			zap.String("capability", call.Name), zap.Error(err))
		return errorOutput(err), true
	}
	result, err := r.deps.Dispatcher.Dispatch(ctx, call.Name, args, r.capCtx)
	if err != nil {
		r.log.Warn("capability dispatch failed",
			zap.String("capability", call.Name), zap.Error(err))
		return errorOutput(err), true
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return errorOutput(err), true
	}
	return string(encoded), false
}

func (r *Relay) onToolResult(ctx context.Context, ev evToolResult) {
	if err := r.deps.Model.SendToolOutput(ev.call.ID, ev.output); err != nil {
		r.log.Warn("send tool output", zap.Error(err))
	}
	status := "done"
	outcome := "ok"
	if ev.failed {
		status = "errored"
		outcome = "error"
	}
	if r.deps.Store != nil {
		if err := r.deps.Store.SaveInvocation(ctx, callstore.InvocationRecord{
			CallSID:      r.cfg.CallSID,
			InvocationID: ev.call.ID,
			Name:         ev.call.Name,
			Status:       status,
			LatencyMS:    ev.latency.Milliseconds(),
		}); err != nil {
			r.log.Warn("save invocation record", zap.Error(err))
		}
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ToolDispatches.WithLabelValues(ev.call.Name, outcome).Inc()
		r.deps.Metrics.ObserveToolLatency(ev.call.Name, ev.latency)
		r.deps.Metrics.ObserveTurnStage("tool_call_to_output", ev.latency)
	}
}

func (r *Relay) onToolsDone(ctx context.Context) {
	if len(r.queuedTools) > 0 {
		next := r.queuedTools
		r.queuedTools = nil
		r.pendingTools = len(next)
		go r.dispatchTools(ctx, next)
		return
	}
	r.pendingTools = 0
	r.hold.CapabilityFinished()
	if r.state == StateToolPending {
		r.state = StateListening
	}
	// Turn continuation: the model folds the tool outputs into its next reply.
	if err := r.deps.Model.RequestTurn(); err != nil {
		r.log.Warn("request continuation turn", zap.Error(err))
		return
	}
	r.turnActive = true
	r.turnRequestedAt = r.now()
	r.firstAudioSeen = false
}

func (r *Relay) onTurnDone(ctx context.Context) {
	r.turnActive = false
	r.flushTranscript(ctx)

	if !r.greeted {
		// Greeting finished, even when its audio already moved the state to
		// speaking. Hand turn control to the relay: from here the model
		// responds only to explicit response.create.
		r.greeted = true
		if err := r.deps.Model.UpdateParameters(realtime.SessionParams{
			TurnDetection: realtime.ManualTurnDetection(),
		}); err != nil {
			r.log.Warn("switch to manual turn detection", zap.Error(err))
		}
		if r.deps.Sessions != nil {
			_ = r.deps.Sessions.MarkGreeted(r.cfg.CallSID)
		}
		r.state = StateListening
		if r.deps.Metrics != nil {
			r.deps.Metrics.CallEvents.WithLabelValues("greeted").Inc()
		}
		return
	}

	if r.state == StateSpeaking {
		r.state = StateListening
	}
	if r.endRequested {
		r.farewellDone = true
		r.maybeHangup(ctx)
	}
}

func (r *Relay) onEndPending(reason string) {
	if r.endRequested {
		return
	}
	r.endRequested = true
	r.endReason = reason
	// The farewell turn still has to play out; the grace timer bounds how
	// long we wait for its audio to drain.
	r.hangupTimer = time.AfterFunc(hangupGrace, func() { r.post(evHangupGrace{}) })
}

func (r *Relay) maybeHangup(ctx context.Context) {
	if !r.endRequested || !r.farewellDone {
		return
	}
	if r.unacked > 0 || len(r.backlog) > 0 {
		return
	}
	r.finish(ctx, r.endReason)
}

func (r *Relay) onDTMF(digit string) {
	if digit == "" || r.endRequested {
		return
	}
	if err := r.deps.Model.CreateUserText(fmt.Sprintf("[caller pressed %s]", digit)); err != nil {
		r.log.Warn("forward dtmf", zap.Error(err))
		return
	}
	if r.state == StateListening && !r.turnActive {
		if err := r.deps.Model.RequestTurn(); err != nil {
			r.log.Warn("request turn after dtmf", zap.Error(err))
			return
		}
		r.turnActive = true
		r.turnRequestedAt = r.now()
		r.firstAudioSeen = false
	}
}

func (r *Relay) flushTranscript(ctx context.Context) {
	if len(r.turnText) == 0 {
		return
	}
	text := string(r.turnText)
	r.turnText = r.turnText[:0]
	if r.deps.Store == nil {
		return
	}
	redacted, changed := policy.RedactPII(text)
	if err := r.deps.Store.SaveTranscript(ctx, callstore.TranscriptRecord{
		CallSID:     r.cfg.CallSID,
		Role:        "assistant",
		Content:     redacted,
		PIIRedacted: changed,
	}); err != nil {
		r.log.Warn("save transcript", zap.Error(err))
	}
}

func (r *Relay) recordMessage(ctx context.Context, to, body string) error {
	if r.deps.Store == nil {
		return errors.New("no call store configured")
	}
	redacted, _ := policy.RedactPII(body)
	return r.deps.Store.SaveMessage(ctx, callstore.MessageRecord{
		CallSID: r.cfg.CallSID,
		To:      to,
		Body:    redacted,
	})
}

func (r *Relay) startHoldPlayback() {
	if r.holdFrames == nil {
		r.holdFrames = audio.HoldTone(holdToneFrames)
	}
	r.holdFrameIx = 0
	r.holdTicker = time.NewTicker(holdFrameInterval)
	r.holdTick = r.holdTicker.C
	if r.deps.Metrics != nil {
		r.deps.Metrics.HoldAudioStarts.Inc()
		r.deps.Metrics.ObserveTurnIndicator("hold_audio_started")
	}
}

func (r *Relay) stopHoldPlayback() {
	if r.holdTicker != nil {
		r.holdTicker.Stop()
		r.holdTicker = nil
	}
	r.holdTick = nil
}

func (r *Relay) sendHoldFrame() {
	if len(r.holdFrames) == 0 {
		return
	}
	frame := r.holdFrames[r.holdFrameIx%len(r.holdFrames)]
	r.holdFrameIx++
	// Hold frames bypass mark pacing: they are a steady 20ms trickle and must
	// not consume the ack window reserved for real speech.
	if err := r.deps.Call.SendMedia(base64.StdEncoding.EncodeToString(frame)); err != nil {
		r.log.Warn("send hold frame", zap.Error(err))
	}
}

func (r *Relay) finish(ctx context.Context, reason string) {
	if r.state == StateEnded {
		return
	}
	r.state = StateEnded
	r.hold.Reset()
	r.stopHoldPlayback()
	if r.hangupTimer != nil {
		r.hangupTimer.Stop()
	}
	r.flushTranscript(ctx)
	if err := r.deps.Model.Close(); err != nil {
		r.log.Debug("close model session", zap.Error(err))
	}
	if r.deps.Sessions != nil {
		_, _ = r.deps.Sessions.End(r.cfg.CallSID, reason)
	}
	if r.deps.Store != nil {
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.deps.Store.FinishCall(finishCtx, r.cfg.CallSID,
			r.now().UTC(), reason, r.interruptions, string(r.micMode)); err != nil {
			r.log.Warn("finish call record", zap.Error(err))
		}
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ActiveCalls.Dec()
		r.deps.Metrics.CallEvents.WithLabelValues("ended").Inc()
	}
	r.log.Info("call ended",
		zap.String("reason", reason),
		zap.Int("interruptions", r.interruptions))
	close(r.done)
}

// orderToolCalls applies the per-turn dispatch policy: a mic-mode toggle runs
// before anything else, a hangup runs after everything else, the rest keep
// arrival order.
func orderToolCalls(calls []realtime.ToolCall) {
	rank := func(name string) int {
		switch name {
		case capability.NameUpdateMode:
			return 0
		case capability.NameEndCall:
			return 2
		default:
			return 1
		}
	}
	// Insertion sort keeps equal ranks stable.
	for i := 1; i < len(calls); i++ {
		for j := i; j > 0 && rank(calls[j].Name) < rank(calls[j-1].Name); j-- {
			calls[j], calls[j-1] = calls[j-1], calls[j]
		}
	}
}

func errorOutput(err error) string {
	encoded, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return `{"error":"capability failed"}`
	}
	return string(encoded)
}

// b64MulawMs computes the playback duration of a base64 mu-law payload.
func b64MulawMs(payloadB64 string) int {
	n := len(payloadB64) / 4 * 3
	for i := len(payloadB64) - 1; i >= 0 && payloadB64[i] == '='; i-- {
		n--
	}
	return n / (audio.TelephonySampleRate / 1000)
}
