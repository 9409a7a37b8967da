// Package httpapi exposes the service over HTTP: the Twilio voice webhook,
// the media-stream websocket, health probes, Prometheus metrics, and a small
// read-only call log API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gcaracciolo/juniper/internal/callstore"
	"github.com/gcaracciolo/juniper/internal/config"
	"github.com/gcaracciolo/juniper/internal/observability"
	"github.com/gcaracciolo/juniper/internal/relay"
	"github.com/gcaracciolo/juniper/internal/session"
	"github.com/gcaracciolo/juniper/internal/twilio"
)

// CallRelay is the per-call bridge loop the media-stream handler feeds.
type CallRelay interface {
	Run(ctx context.Context) error
	HandleMedia(payloadB64 string)
	HandleMark(name string)
	HandleDTMF(digit string)
	HandleStop()
}

// Bridge builds the model side of a call accepted on the media stream: it
// dials the speech model, wires callbacks, and returns the relay ready to run.
type Bridge interface {
	StartCall(ctx context.Context, start twilio.StartFrame, out relay.CallTransport) (CallRelay, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	store    callstore.Store
	bridge   Bridge
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, store callstore.Store, bridge Bridge, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		bridge:   bridge,
		metrics:  metrics,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Twilio and other non-browser clients omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/twilio/voice", s.handleVoiceWebhook)
	r.Get("/twilio/media-stream", s.handleMediaStream)

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{sid}", s.handleGetCall)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_calls": s.sessions.ActiveCount(),
	})
}

// handleVoiceWebhook answers Twilio's incoming-call webhook with TwiML that
// connects the call's media to the websocket endpoint. Caller and callee
// numbers travel as <Parameter> values so the stream start frame carries them.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}

	if s.cfg.TwilioAuthToken != "" {
		sig := r.Header.Get("X-Twilio-Signature")
		if !twilio.ValidateSignature(s.cfg.TwilioAuthToken, s.webhookURL(r), r.PostForm, sig) {
			s.log.Warn("voice webhook rejected: bad signature",
				zap.String("call_sid", r.PostFormValue("CallSid")))
			respondError(w, http.StatusForbidden, "invalid_signature", "signature validation failed")
			return
		}
	}

	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	if callSID == "" {
		respondError(w, http.StatusBadRequest, "missing_call_sid", "CallSid is required")
		return
	}

	if s.cfg.MaxConcurrentCalls > 0 && s.sessions.ActiveCount() >= s.cfg.MaxConcurrentCalls {
		doc, err := twilio.RejectTwiML("")
		if err != nil {
			respondError(w, http.StatusInternalServerError, "twiml_error", err.Error())
			return
		}
		if s.metrics != nil {
			s.metrics.CallEvents.WithLabelValues("webhook_rejected_capacity").Inc()
		}
		s.log.Warn("rejecting call, at capacity",
			zap.String("call_sid", callSID),
			zap.Int("active_calls", s.sessions.ActiveCount()))
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(doc)
		return
	}

	doc, err := twilio.ConnectStreamTwiML(s.cfg.StreamURL(), "", map[string]string{
		"caller": r.PostFormValue("From"),
		"callee": r.PostFormValue("To"),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_error", err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.CallEvents.WithLabelValues("webhook_answered").Inc()
	}
	s.log.Info("answering call",
		zap.String("call_sid", callSID),
		zap.String("caller", r.PostFormValue("From")))

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// webhookURL reconstructs the public URL Twilio signed. The webhook always
// arrives over HTTPS at the configured public host.
func (s *Server) webhookURL(r *http.Request) string {
	host := s.cfg.PublicHost
	if host == "" {
		host = r.Host
	}
	return "https://" + host + r.URL.RequestURI()
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	calls, err := s.store.RecentCalls(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(chi.URLParam(r, "sid"))
	if sid == "" {
		respondError(w, http.StatusBadRequest, "missing_call_sid", "missing call sid")
		return
	}

	detail, err := s.store.CallDetail(r.Context(), sid)
	if err != nil {
		if errors.Is(err, callstore.ErrNotFound) {
			respondError(w, http.StatusNotFound, "call_not_found", "no call with sid "+sid)
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// handlePerfLatency reports the rolling per-turn latency window: how long the
// bridge takes from caller speech stop to turn request to first assistant
// audio, plus capability round trips.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.TurnStageSnapshot{
			Stages: []observability.TurnStageStats{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
