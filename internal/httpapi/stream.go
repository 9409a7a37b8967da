package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gcaracciolo/juniper/internal/twilio"
)

const (
	streamReadLimit    = 2 << 20
	streamReadTimeout  = 120 * time.Second
	streamWriteTimeout = 10 * time.Second
	startWaitTimeout   = 10 * time.Second
	stopDrainTimeout   = 5 * time.Second
)

// handleMediaStream upgrades Twilio's websocket, waits for the start frame,
// hands the call to the bridge, and pumps inbound frames into the relay until
// the stream stops or the socket drops.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "bridge not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(streamReadLimit)

	start, ok := s.awaitStart(conn)
	if !ok {
		return
	}
	log := s.log.With(
		zap.String("call_sid", start.CallSID),
		zap.String("stream_sid", start.StreamSID))
	log.Info("media stream started", zap.String("caller", start.CustomParameters["caller"]))
	if s.metrics != nil {
		s.metrics.StreamMessages.WithLabelValues("inbound", "start").Inc()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	transport := &streamTransport{conn: conn, streamSID: start.StreamSID}
	rl, err := s.bridge.StartCall(ctx, start, transport)
	if err != nil {
		log.Error("bridge refused call", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "bridge unavailable"),
			time.Now().Add(streamWriteTimeout))
		return
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := rl.Run(ctx); err != nil {
			log.Warn("relay exited with error", zap.Error(err))
		}
	}()

	s.readStream(conn, rl)

	// Socket gone or stop received. Let the relay process the stop and
	// persist before tearing the context down.
	rl.HandleStop()
	select {
	case <-runDone:
	case <-time.After(stopDrainTimeout):
		cancel()
		<-runDone
	}
	log.Info("media stream closed")
}

// awaitStart consumes handshake frames until the start arrives. Twilio sends
// connected first; anything else before start is a protocol violation.
func (s *Server) awaitStart(conn *websocket.Conn) (twilio.StartFrame, bool) {
	deadline := time.Now().Add(startWaitTimeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return twilio.StartFrame{}, false
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := twilio.ParseStreamMessage(data)
		if err != nil {
			s.log.Debug("dropping pre-start frame", zap.Error(err))
			continue
		}
		switch m := parsed.(type) {
		case twilio.Connected:
			continue
		case twilio.Start:
			return m.Start, true
		default:
			s.log.Warn("unexpected frame before start")
			return twilio.StartFrame{}, false
		}
	}
}

func (s *Server) readStream(conn *websocket.Conn, rl CallRelay) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := twilio.ParseStreamMessage(data)
		if err != nil {
			s.log.Debug("unparseable stream frame", zap.Error(err))
			continue
		}
		switch m := parsed.(type) {
		case twilio.Media:
			if s.metrics != nil {
				s.metrics.StreamMessages.WithLabelValues("inbound", "media").Inc()
			}
			rl.HandleMedia(m.Media.Payload)
		case twilio.Mark:
			if s.metrics != nil {
				s.metrics.StreamMessages.WithLabelValues("inbound", "mark").Inc()
			}
			rl.HandleMark(m.Mark.Name)
		case twilio.DTMF:
			if s.metrics != nil {
				s.metrics.StreamMessages.WithLabelValues("inbound", "dtmf").Inc()
			}
			rl.HandleDTMF(m.DTMF.Digit)
		case twilio.Stop:
			if s.metrics != nil {
				s.metrics.StreamMessages.WithLabelValues("inbound", "stop").Inc()
			}
			return
		default:
			// connected or a duplicate start; nothing to do.
		}
	}
}

// streamTransport serializes writes toward the call. The relay loop and its
// hold ticker share one goroutine, but the mutex keeps the transport safe if
// that ever changes.
type streamTransport struct {
	conn      *websocket.Conn
	streamSID string
	mu        sync.Mutex
}

func (t *streamTransport) writeJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return t.conn.WriteJSON(v)
}

func (t *streamTransport) SendMedia(payloadB64 string) error {
	return t.writeJSON(twilio.OutboundMedia(t.streamSID, payloadB64))
}

func (t *streamTransport) SendMark(name string) error {
	return t.writeJSON(twilio.OutboundMark(t.streamSID, name))
}

func (t *streamTransport) SendClear() error {
	return t.writeJSON(twilio.OutboundClear(t.streamSID))
}
